package functions

import (
	"context"
	"encoding/json"
	"net/http"

	"localcloud/internal/api"
	"localcloud/internal/dispatch"
	"localcloud/pkg/logging"
)

// Surface serves the function service's REST-path dialect.
type Surface struct {
	provider *Provider
}

func NewSurface(p *Provider) *Surface {
	return &Surface{provider: p}
}

// Handler builds the route table.
func (s *Surface) Handler() http.Handler {
	mux := dispatch.NewRESTMux(dispatch.ErrorFormatJSON)
	mux.MustHandle(http.MethodPost, "/2015-03-31/functions/{name}/invocations", s.invoke)
	mux.MustHandle(http.MethodGet, "/2015-03-31/functions/{name}", s.getFunction)
	mux.MustHandle(http.MethodGet, "/2015-03-31/functions", s.listFunctions)
	return mux
}

func (s *Surface) invoke(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	name := vars["name"]
	req := api.InvocationRequest{FunctionName: name, Payload: body}

	// Event-type invocations are acknowledged before the function runs.
	if r.Header.Get("X-Amz-Invocation-Type") == "Event" {
		if _, err := s.provider.Function(name); err != nil {
			return nil, err
		}
		go func() {
			if _, err := s.provider.Invoke(context.Background(), req); err != nil {
				logging.Error(functionsSubsystem, err, "async invocation of %s failed", name)
			}
		}()
		return &dispatch.RESTResponse{Status: http.StatusAccepted}, nil
	}

	res, err := s.provider.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	headers := http.Header{"Content-Type": {"application/json"}}
	if res.Failed() {
		headers.Set("X-Amz-Function-Error", "Unhandled")
		encoded, err := json.Marshal(res.Error)
		if err != nil {
			return nil, err
		}
		return &dispatch.RESTResponse{Status: http.StatusOK, Headers: headers, Body: encoded}, nil
	}
	return &dispatch.RESTResponse{Status: http.StatusOK, Headers: headers, Body: res.Payload}, nil
}

type functionConfiguration struct {
	FunctionName string `json:"FunctionName"`
	FunctionArn  string `json:"FunctionArn"`
	Runtime      string `json:"Runtime,omitempty"`
	Handler      string `json:"Handler,omitempty"`
	MemorySize   int    `json:"MemorySize,omitempty"`
	Timeout      int    `json:"Timeout,omitempty"`
	PackageType  string `json:"PackageType"`
}

func (s *Surface) describe(name string) (*functionConfiguration, error) {
	fn, err := s.provider.Function(name)
	if err != nil {
		return nil, err
	}
	cfg := &functionConfiguration{
		FunctionName: fn.Name,
		FunctionArn:  s.provider.FunctionArn(fn.Name),
		Runtime:      fn.Runtime,
		Handler:      fn.Handler,
		MemorySize:   fn.MemoryMB,
		Timeout:      int(fn.Timeout.Seconds()),
		PackageType:  "Zip",
	}
	if fn.Image != "" {
		cfg.PackageType = "Image"
	}
	return cfg, nil
}

func (s *Surface) getFunction(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	cfg, err := s.describe(vars["name"])
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(map[string]interface{}{"Configuration": cfg})
	if err != nil {
		return nil, err
	}
	return &dispatch.RESTResponse{
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    encoded,
	}, nil
}

func (s *Surface) listFunctions(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	configs := []*functionConfiguration{}
	for _, fn := range s.provider.Functions() {
		cfg, err := s.describe(fn.Name)
		if err != nil {
			continue
		}
		configs = append(configs, cfg)
	}
	encoded, err := json.Marshal(map[string]interface{}{"Functions": configs})
	if err != nil {
		return nil, err
	}
	return &dispatch.RESTResponse{
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    encoded,
	}, nil
}

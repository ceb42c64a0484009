package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"localcloud/internal/api"
	"localcloud/internal/metrics"
	"localcloud/internal/proxy"
	"localcloud/pkg/logging"
)

const gatewaySubsystem = "Gateway"

// PayloadVersion selects the proxy-event dialect a route's function
// receives.
type PayloadVersion string

const (
	PayloadV1 PayloadVersion = "1.0"
	PayloadV2 PayloadVersion = "2.0"
)

// Route binds one method and path template to a function.
type Route struct {
	// Method is an HTTP method or "ANY".
	Method string
	// Path is the gateway template form, e.g. "/items/{id}" or
	// "/{proxy+}" for the greedy catch-all.
	Path     string
	Function string
}

// API is one gateway: a route table plus the payload dialect it speaks.
// A function URL is an API with a single ANY /{proxy+} route on payload v2
// whose route key is "$default".
type API struct {
	Name        string
	Payload     PayloadVersion
	Routes      []Route
	BinaryTypes []string
	// DefaultRouteKey overrides the "METHOD /path" route key, used by
	// function URLs.
	DefaultRouteKey string
}

// FunctionURL builds the implicit API serving one function's URL.
func FunctionURL(name, function string) API {
	return API{
		Name:            name,
		Payload:         PayloadV2,
		Routes:          []Route{{Method: "ANY", Path: "/{proxy+}", Function: function}},
		DefaultRouteKey: "$default",
	}
}

// Gateway serves one API's route table, translating HTTP requests into
// proxy events and handler responses back into HTTP.
type Gateway struct {
	api     API
	invoker api.FunctionInvoker
	stats   *metrics.Collector
}

func New(a API, invoker api.FunctionInvoker, stats *metrics.Collector) *Gateway {
	return &Gateway{api: a, invoker: invoker, stats: stats}
}

// Handler builds the chi router for the API's routes.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(g.measure)

	for _, route := range g.api.Routes {
		route := route
		handler := func(w http.ResponseWriter, req *http.Request) {
			g.serve(w, req, route)
		}
		pattern := chiPattern(route.Path)
		if strings.EqualFold(route.Method, "ANY") {
			r.HandleFunc(pattern, handler)
			continue
		}
		r.MethodFunc(route.Method, pattern, handler)
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeMessage(w, http.StatusNotFound, "Not Found")
	})
	return r
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// measure counts requests and durations per API.
func (g *Gateway) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if g.stats == nil {
			next.ServeHTTP(w, req)
			return
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(sw, req)
		service := "gateway:" + g.api.Name
		g.stats.HTTPRequests.WithLabelValues(service, req.Method, strconv.Itoa(sw.status)).Inc()
		g.stats.HTTPDuration.WithLabelValues(service, req.Method).Observe(time.Since(started).Seconds())
	})
}

// chiPattern converts a gateway path template into the router's form: the
// greedy "{proxy+}" variable becomes the catch-all wildcard.
func chiPattern(path string) string {
	if idx := strings.Index(path, "{proxy+}"); idx >= 0 {
		return path[:idx] + "*"
	}
	return path
}

// pathParams extracts the matched route variables, mapping the catch-all
// wildcard back to the "proxy" variable.
func pathParams(req *http.Request) map[string]string {
	rctx := chi.RouteContext(req.Context())
	if rctx == nil {
		return nil
	}
	params := make(map[string]string)
	for i, key := range rctx.URLParams.Keys {
		value := rctx.URLParams.Values[i]
		if key == "*" {
			key = "proxy"
		}
		params[key] = value
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

func (g *Gateway) routeKey(route Route) string {
	if g.api.DefaultRouteKey != "" {
		return g.api.DefaultRouteKey
	}
	return strings.ToUpper(route.Method) + " " + route.Path
}

func (g *Gateway) serve(w http.ResponseWriter, req *http.Request, route Route) {
	params := pathParams(req)

	var payload []byte
	var err error
	if g.api.Payload == PayloadV1 {
		event, buildErr := proxy.BuildV1Event(req, route.Path, params, g.api.BinaryTypes)
		if buildErr == nil {
			payload, err = json.Marshal(event)
		} else {
			err = buildErr
		}
	} else {
		event, buildErr := proxy.BuildV2Event(req, g.routeKey(route), params, g.api.BinaryTypes)
		if buildErr == nil {
			payload, err = json.Marshal(event)
		} else {
			err = buildErr
		}
	}
	if err != nil {
		logging.Error(gatewaySubsystem, err, "api %s: event build failed", g.api.Name)
		writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	res, err := g.invoker.Invoke(req.Context(), api.InvocationRequest{
		FunctionName: route.Function,
		Payload:      payload,
	})
	if err != nil {
		if api.IsTimeout(err) {
			writeMessage(w, http.StatusGatewayTimeout, "Endpoint request timed out")
			return
		}
		logging.Error(gatewaySubsystem, err, "api %s: invocation of %s failed", g.api.Name, route.Function)
		writeMessage(w, http.StatusBadGateway, "Bad Gateway")
		return
	}
	if res.Failed() {
		if res.Error.Type == "TimeoutError" {
			writeMessage(w, http.StatusGatewayTimeout, "Endpoint request timed out")
			return
		}
		writeMessage(w, http.StatusInternalServerError, res.Error.Message)
		return
	}

	resp, err := proxy.ParseHandlerResponse(res.Payload)
	if err != nil {
		logging.Error(gatewaySubsystem, err, "api %s: bad proxy response from %s", g.api.Name, route.Function)
		writeMessage(w, http.StatusBadGateway, "malformed handler response")
		return
	}
	if g.api.Payload == PayloadV1 {
		err = proxy.WriteV1(w, resp)
	} else {
		err = proxy.WriteV2(w, resp)
	}
	if err != nil {
		logging.Error(gatewaySubsystem, err, "api %s: response write failed", g.api.Name)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}

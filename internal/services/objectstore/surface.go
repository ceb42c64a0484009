package objectstore

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"localcloud/internal/api"
	"localcloud/internal/dispatch"
)

// Surface serves the object store's hybrid REST dialect: path-addressed
// objects with XML envelopes on the management subset.
type Surface struct {
	provider *Provider
}

func NewSurface(p *Provider) *Surface {
	return &Surface{provider: p}
}

// Handler builds the route table. Bucket routes precede object routes so
// "/{bucket}" never swallows "/{bucket}/{key+}".
func (s *Surface) Handler() http.Handler {
	mux := dispatch.NewRESTMux(dispatch.ErrorFormatXML)
	mux.MustHandle(http.MethodGet, "/", s.listBuckets)
	mux.MustHandle(http.MethodPut, "/{bucket}/{key+}", s.putObject)
	mux.MustHandle(http.MethodGet, "/{bucket}/{key+}", s.getObject)
	mux.MustHandle(http.MethodHead, "/{bucket}/{key+}", s.headObject)
	mux.MustHandle(http.MethodDelete, "/{bucket}/{key+}", s.deleteObject)
	mux.MustHandle(http.MethodPut, "/{bucket}", s.createBucket)
	mux.MustHandle(http.MethodGet, "/{bucket}", s.listObjects)
	mux.MustHandle(http.MethodHead, "/{bucket}", s.headBucket)
	mux.MustHandle(http.MethodDelete, "/{bucket}", s.deleteBucket)
	return mux
}

func xmlBody(v interface{}) ([]byte, error) {
	encoded, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return append([]byte(xml.Header), encoded...), nil
}

type listAllMyBucketsResult struct {
	XMLName xml.Name     `xml:"ListAllMyBucketsResult"`
	Buckets []bucketInfo `xml:"Buckets>Bucket"`
}

type bucketInfo struct {
	Name string `xml:"Name"`
}

func (s *Surface) listBuckets(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	result := listAllMyBucketsResult{}
	for _, name := range s.provider.ListBuckets() {
		result.Buckets = append(result.Buckets, bucketInfo{Name: name})
	}
	encoded, err := xmlBody(result)
	if err != nil {
		return nil, err
	}
	return &dispatch.RESTResponse{
		Headers: http.Header{"Content-Type": {"application/xml"}},
		Body:    encoded,
	}, nil
}

func (s *Surface) createBucket(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	err := s.provider.CreateBucket(vars["bucket"])
	// Re-creating an owned bucket succeeds.
	if err != nil && !api.IsConflict(err) {
		return nil, err
	}
	return &dispatch.RESTResponse{
		Status:  http.StatusOK,
		Headers: http.Header{"Location": {"/" + vars["bucket"]}},
	}, nil
}

func (s *Surface) headBucket(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	if !s.provider.bucketExists(vars["bucket"]) {
		return nil, api.NewNotFound("bucket", vars["bucket"])
	}
	return &dispatch.RESTResponse{Status: http.StatusOK}, nil
}

func (s *Surface) deleteBucket(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	if err := s.provider.DeleteBucket(vars["bucket"]); err != nil {
		return nil, err
	}
	return &dispatch.RESTResponse{Status: http.StatusNoContent}, nil
}

type listBucketResult struct {
	XMLName     xml.Name        `xml:"ListBucketResult"`
	Name        string          `xml:"Name"`
	Prefix      string          `xml:"Prefix"`
	KeyCount    int             `xml:"KeyCount"`
	IsTruncated bool            `xml:"IsTruncated"`
	Contents    []listedContent `xml:"Contents"`
}

type listedContent struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

func (s *Surface) listObjects(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	query := r.URL.Query()
	prefix := query.Get("prefix")
	maxKeys := 1000
	if v := query.Get("max-keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, api.NewValidation("InvalidArgument", "max-keys must be a non-negative integer")
		}
		maxKeys = n
	}

	infos, err := s.provider.ListObjects(vars["bucket"], prefix, maxKeys+1)
	if err != nil {
		return nil, err
	}
	truncated := len(infos) > maxKeys
	if truncated {
		infos = infos[:maxKeys]
	}

	result := listBucketResult{
		Name:        vars["bucket"],
		Prefix:      prefix,
		KeyCount:    len(infos),
		IsTruncated: truncated,
	}
	for _, info := range infos {
		result.Contents = append(result.Contents, listedContent{
			Key:          info.Key,
			LastModified: info.LastModified.Format(time.RFC3339),
			ETag:         `"` + info.ETag + `"`,
			Size:         info.Size,
		})
	}
	encoded, err := xmlBody(result)
	if err != nil {
		return nil, err
	}
	return &dispatch.RESTResponse{
		Headers: http.Header{"Content-Type": {"application/xml"}},
		Body:    encoded,
	}, nil
}

// userMetadata collects x-amz-meta-* request headers.
func userMetadata(r *http.Request) map[string]string {
	var meta map[string]string
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
			if meta == nil {
				meta = make(map[string]string)
			}
			meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}
	return meta
}

type copyObjectResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}

func (s *Surface) putObject(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	bucket, key := vars["bucket"], vars["key"]

	if source := r.Header.Get("x-amz-copy-source"); source != "" {
		srcBucket, srcKey, err := parseCopySource(source)
		if err != nil {
			return nil, err
		}
		meta, err := s.provider.CopyObject(ctx, srcBucket, srcKey, bucket, key)
		if err != nil {
			return nil, err
		}
		encoded, err := xmlBody(copyObjectResult{
			ETag:         `"` + meta.ETag + `"`,
			LastModified: meta.LastModified.Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
		return &dispatch.RESTResponse{
			Headers: http.Header{"Content-Type": {"application/xml"}},
			Body:    encoded,
		}, nil
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta, err := s.provider.PutObject(ctx, bucket, key, body, contentType, userMetadata(r))
	if err != nil {
		return nil, err
	}
	return &dispatch.RESTResponse{
		Status:  http.StatusOK,
		Headers: http.Header{"ETag": {`"` + meta.ETag + `"`}},
	}, nil
}

func parseCopySource(source string) (string, string, error) {
	decoded, err := url.PathUnescape(source)
	if err != nil {
		return "", "", api.NewValidation("InvalidArgument", "malformed copy source %q", source)
	}
	decoded = strings.TrimPrefix(decoded, "/")
	bucket, key, ok := strings.Cut(decoded, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", api.NewValidation("InvalidArgument", "copy source must be bucket/key, got %q", source)
	}
	return bucket, key, nil
}

func metaHeaders(meta *ObjectMeta) http.Header {
	h := http.Header{
		"Content-Type":   {meta.ContentType},
		"Content-Length": {strconv.FormatInt(meta.Size, 10)},
		"ETag":           {`"` + meta.ETag + `"`},
		"Last-Modified":  {meta.LastModified.Format(http.TimeFormat)},
	}
	for k, v := range meta.UserMetadata {
		h.Set("x-amz-meta-"+k, v)
	}
	return h
}

func (s *Surface) getObject(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	data, meta, err := s.provider.GetObject(ctx, vars["bucket"], vars["key"])
	if err != nil {
		return nil, err
	}
	return &dispatch.RESTResponse{Headers: metaHeaders(meta), Body: data}, nil
}

func (s *Surface) headObject(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	meta, err := s.provider.HeadObject(ctx, vars["bucket"], vars["key"])
	if err != nil {
		return nil, err
	}
	return &dispatch.RESTResponse{Headers: metaHeaders(meta)}, nil
}

func (s *Surface) deleteObject(ctx context.Context, rc dispatch.RequestContext, body []byte, vars map[string]string, r *http.Request) (*dispatch.RESTResponse, error) {
	if err := s.provider.DeleteObject(ctx, vars["bucket"], vars["key"]); err != nil {
		return nil, err
	}
	return &dispatch.RESTResponse{Status: http.StatusNoContent}, nil
}

// Package gateway serves HTTP APIs in front of functions: the legacy REST
// dialect (payload v1), the http-api dialect (payload v2) and function
// URLs (v2 with the $default route key). Requests become proxy events,
// handler responses become HTTP replies; invocation timeouts surface as
// 504 and handler errors as 500 with the message preserved.
package gateway

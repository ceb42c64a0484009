// Package proxy translates between HTTP requests and the JSON proxy events
// functions receive behind gateways and function URLs, in both payload
// formats: v1 (legacy gateway, single plus multi-value maps) and v2
// (http api / function url, comma-joined values and a cookie list). It also
// normalizes function responses back into HTTP replies, including base64
// bodies and repeated headers.
package proxy

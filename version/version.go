// Package version provides default versions, user-agents etc. for client identification.
package version

var (
	// This should be updated when client behaviour changes in a way that other peers could care
	// about.
	DefaultClientVersion string
	DefaultHttpUserAgent string
	DefaultUpnpId        string
)

func init() {
	DefaultClientVersion = "dignat 0.1.0"
	DefaultUpnpId = DefaultClientVersion
	// Per https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/User-Agent#library_and_net_tool_ua_strings
	DefaultHttpUserAgent = "dignat/0.1.0"
}

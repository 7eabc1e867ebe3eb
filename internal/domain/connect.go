package domain

// Handshake defaults for the gateway connect request.
const (
	ConnectMethod = "connect"

	DefaultProtocolVersion   = 1
	DefaultClientID          = "mcp-bridge"
	DefaultClientDisplayName = "LobeHub MCP Bridge"
	DefaultClientVersion     = "1.0.0"
	DefaultClientMode        = "backend"
	DefaultRole              = "operator"
)

// DefaultScopes are the operator scopes requested on connect.
func DefaultScopes() []string {
	return []string{"operator.admin", "operator.read", "operator.write"}
}

// ConnectParams is the params object of the handshake request.
type ConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      ClientIdentity `json:"client"`
	Auth        AuthParams     `json:"auth"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
}

// ClientIdentity describes the bridge to the gateway.
type ClientIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// AuthParams carries the shared secret. An empty token is sent as-is.
type AuthParams struct {
	Token string `json:"token"`
}

// Package protocol defines the wire protocol spoken between the hub and a
// remote controller agent over WebSocket.
//
// Every frame is a single JSON object. The envelope keys "type", "request_id"
// and "timestamp" sit next to the type-specific fields rather than under a
// nested payload key.
package protocol

// Type identifies a message kind.
type Type string

// --- Controller → Hub ---

const (
	TypeHandshake            Type = "handshake"
	TypeActionResult         Type = "action_result"
	TypeScreenshotResponse   Type = "screenshot_response"
	TypeCommandResult        Type = "command_result"
	TypeCommandOutput        Type = "command_output"
	TypeBrowserContentResult Type = "browser_content_result"
	TypeInteractiveOutput    Type = "interactive_output"
	TypePong                 Type = "pong"
	TypeError                Type = "error"
)

// --- Hub → Controller ---

const (
	TypeHandshakeAck            Type = "handshake_ack"
	TypeClick                   Type = "click"
	TypeHover                   Type = "hover"
	TypeDrag                    Type = "drag"
	TypeTypeText                Type = "type_text"
	TypeKeyPress                Type = "key_press"
	TypeScreenshotRequest       Type = "screenshot_request"
	TypeRunCommand              Type = "run_command"
	TypeBrowserNavigate         Type = "browser_navigate"
	TypeBrowserClick            Type = "browser_click"
	TypeBrowserType             Type = "browser_type"
	TypeBrowserHover            Type = "browser_hover"
	TypeBrowserGetElements      Type = "browser_get_elements"
	TypeBrowserGetPageContent   Type = "browser_get_page_content"
	TypeBrowserGetURL           Type = "browser_get_url"
	TypeBrowserTakeScreenshot   Type = "browser_take_screenshot"
	TypeBrowserDownload         Type = "browser_download"
	TypeStartInteractiveCmd     Type = "start_interactive_cmd"
	TypeSendInput               Type = "send_input"
	TypeTerminateInteractiveCmd Type = "terminate_interactive_cmd"
	TypePing                    Type = "ping"
)

// Error codes carried by TypeError messages.
const (
	CodeInvalidAPIKey    = "INVALID_API_KEY"
	CodeExecutionFailed  = "EXECUTION_FAILED"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeScreenshotFailed = "SCREENSHOT_FAILED"
	CodeTimeout          = "TIMEOUT"
)

// Handshake ack statuses.
const (
	AckOK               = "ok"
	AckRejected         = "rejected"
	AckAlreadyConnected = "already_connected"
	AckError            = "error"
)

var clientTypes = []Type{
	TypeHandshake,
	TypeActionResult,
	TypeScreenshotResponse,
	TypeCommandResult,
	TypeCommandOutput,
	TypeBrowserContentResult,
	TypeInteractiveOutput,
	TypePong,
	TypeError,
}

var serverTypes = []Type{
	TypeHandshakeAck,
	TypeClick,
	TypeHover,
	TypeDrag,
	TypeTypeText,
	TypeKeyPress,
	TypeScreenshotRequest,
	TypeRunCommand,
	TypeBrowserNavigate,
	TypeBrowserClick,
	TypeBrowserType,
	TypeBrowserHover,
	TypeBrowserGetElements,
	TypeBrowserGetPageContent,
	TypeBrowserGetURL,
	TypeBrowserTakeScreenshot,
	TypeBrowserDownload,
	TypeStartInteractiveCmd,
	TypeSendInput,
	TypeTerminateInteractiveCmd,
	TypePing,
}

var (
	fromClient = make(map[Type]bool, len(clientTypes))
	fromServer = make(map[Type]bool, len(serverTypes))
)

func init() {
	for _, t := range clientTypes {
		fromClient[t] = true
	}
	for _, t := range serverTypes {
		fromServer[t] = true
	}
}

// ClientTypes returns the message types a controller may send.
func ClientTypes() []Type { return append([]Type(nil), clientTypes...) }

// ServerTypes returns the message types the hub may send.
func ServerTypes() []Type { return append([]Type(nil), serverTypes...) }

// Known reports whether t belongs to either direction.
func (t Type) Known() bool { return fromClient[t] || fromServer[t] }

// FromClient reports whether t is sent controller → hub.
func (t Type) FromClient() bool { return fromClient[t] }

// FromServer reports whether t is sent hub → controller.
func (t Type) FromServer() bool { return fromServer[t] }

// IsAction reports whether t is an action request the hub forwards to a
// controller on behalf of a caller.
func (t Type) IsAction() bool {
	return fromServer[t] && t != TypeHandshakeAck && t != TypePing
}

// IsReply reports whether t is a final reply to an action request.
func (t Type) IsReply() bool {
	switch t {
	case TypeActionResult, TypeScreenshotResponse, TypeCommandResult,
		TypeBrowserContentResult, TypeInteractiveOutput:
		return true
	}
	return false
}

// --- Handshake ---

// SystemInfo describes the machine a controller runs on.
type SystemInfo struct {
	OS           string `json:"os"`
	OSVersion    string `json:"os_version,omitempty"`
	Architecture string `json:"architecture"`
	Hostname     string `json:"hostname"`
	ScreenWidth  int    `json:"screen_width,omitempty"`
	ScreenHeight int    `json:"screen_height,omitempty"`
}

// Handshake is the first message a controller sends after connecting.
type Handshake struct {
	APIKey        string     `json:"api_key"`
	ClientVersion string     `json:"client_version"`
	SystemInfo    SystemInfo `json:"system_info"`
}

// HandshakeAck is the hub's answer to Handshake.
type HandshakeAck struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
}

// --- Results (controller → hub) ---

// ActionResult reports the outcome of a desktop or browser input action.
type ActionResult struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// ScreenshotResponse carries a base64 encoded screen capture.
type ScreenshotResponse struct {
	Success     bool    `json:"success"`
	Message     string  `json:"message,omitempty"`
	ImageBase64 string  `json:"image_base64,omitempty"`
	Format      string  `json:"format,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	DurationMS  float64 `json:"duration_ms"`
}

// CommandResult is the final message of a run_command request.
type CommandResult struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message,omitempty"`
	ReturnCode int     `json:"return_code"`
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
	DurationMS float64 `json:"duration_ms"`
}

// CommandOutput is one line of streamed output from a running command.
type CommandOutput struct {
	Stream string `json:"stream"` // "stdout" or "stderr"
	Line   string `json:"line"`
	Seq    int64  `json:"seq"` // monotonic per request
}

// BrowserElement describes an interactable element on the current page.
type BrowserElement struct {
	Selector string `json:"selector"`
	Tag      string `json:"tag"`
	Text     string `json:"text,omitempty"`
	Href     string `json:"href,omitempty"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// BrowserContentResult carries the outcome of a browser_* request.
type BrowserContentResult struct {
	Success     bool             `json:"success"`
	Message     string           `json:"message,omitempty"`
	URL         string           `json:"url,omitempty"`
	Title       string           `json:"title,omitempty"`
	Content     string           `json:"content,omitempty"`
	Elements    []BrowserElement `json:"elements,omitempty"`
	ImageBase64 string           `json:"image_base64,omitempty"`
	FilePath    string           `json:"file_path,omitempty"`
	DurationMS  float64          `json:"duration_ms"`
}

// InteractiveOutput answers start_interactive_cmd, send_input and
// terminate_interactive_cmd.
type InteractiveOutput struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Output    string `json:"output"`
	IsRunning bool   `json:"is_running"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// ErrorMessage reports a failure that has no typed result.
type ErrorMessage struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// --- Action requests (hub → controller) ---

// Click presses a mouse button at screen coordinates.
type Click struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Button string `json:"button"`
	Clicks int    `json:"clicks"`
}

// Hover moves the pointer and optionally rests there.
type Hover struct {
	X        int     `json:"x"`
	Y        int     `json:"y"`
	Duration float64 `json:"duration"`
}

// Drag presses at the start point and releases at the end point.
type Drag struct {
	StartX   int     `json:"start_x"`
	StartY   int     `json:"start_y"`
	EndX     int     `json:"end_x"`
	EndY     int     `json:"end_y"`
	Duration float64 `json:"duration"`
	Button   string  `json:"button"`
}

// TypeText types a string; Interval is the delay between keystrokes.
type TypeText struct {
	Text     string  `json:"text"`
	Interval float64 `json:"interval"`
}

// KeyPress presses a key with optional modifiers held down.
type KeyPress struct {
	Key       string   `json:"key"`
	Modifiers []string `json:"modifiers,omitempty"`
}

// ScreenshotRequest asks for a capture of the whole screen.
type ScreenshotRequest struct {
	Format string `json:"format"`
}

// RunCommand runs a shell command on the controller machine.
type RunCommand struct {
	Command string  `json:"command"`
	Timeout float64 `json:"timeout"`
	Cwd     string  `json:"cwd,omitempty"`
	Stream  bool    `json:"stream"`
}

// BrowserNavigate opens a URL in the controlled browser.
type BrowserNavigate struct {
	URL string `json:"url"`
}

// BrowserSelector targets one element; used by browser_click and browser_hover.
type BrowserSelector struct {
	Selector string `json:"selector"`
}

// BrowserType types text into an element.
type BrowserType struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Clear    bool   `json:"clear"`
}

// BrowserGetElements lists elements matching Selector.
type BrowserGetElements struct {
	Selector string `json:"selector"`
	Limit    int    `json:"limit"`
}

// BrowserGetPageContent returns page text; MaxLength 0 means unlimited.
type BrowserGetPageContent struct {
	MaxLength int `json:"max_length"`
}

// BrowserTakeScreenshot captures the browser viewport or the full page.
type BrowserTakeScreenshot struct {
	FullPage bool `json:"full_page"`
}

// BrowserDownload saves a file, either from URL or by clicking Selector.
type BrowserDownload struct {
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Dir      string `json:"dir,omitempty"`
}

// StartInteractiveCmd starts a pty-backed interactive command.
type StartInteractiveCmd struct {
	Command        string  `json:"command"`
	ReadTimeout    float64 `json:"read_timeout"`
	OverallTimeout float64 `json:"overall_timeout"`
	Cwd            string  `json:"cwd,omitempty"`
}

// SendInput writes a line to the live interactive session.
type SendInput struct {
	SessionID   string  `json:"session_id,omitempty"`
	Text        string  `json:"text"`
	ReadTimeout float64 `json:"read_timeout"`
}

// TerminateInteractiveCmd stops the live interactive session.
type TerminateInteractiveCmd struct {
	SessionID string `json:"session_id,omitempty"`
}

// Empty is the payload of ping, pong and the parameterless browser requests.
type Empty struct{}

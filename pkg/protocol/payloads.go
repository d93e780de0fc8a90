package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Defaults applied to optional action fields.
const (
	DefaultButton          = "left"
	DefaultDragDuration    = 0.5
	DefaultScreenshotFmt   = "png"
	DefaultCommandTimeout  = 120.0
	DefaultElementSelector = "a, button, input, select, textarea"
	DefaultElementLimit    = 50
	DefaultReadTimeout     = 2.0
	DefaultOverallTimeout  = 300.0
)

var validButtons = map[string]bool{"left": true, "right": true, "middle": true}

// Seconds converts a wire duration in float seconds.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// fields reads typed values out of a message, keeping the first error.
type fields struct {
	m   *Message
	err error
}

func (f *fields) raw(name string) (json.RawMessage, bool) {
	raw, ok := f.m.Fields[name]
	if !ok || isNull(raw) {
		return nil, false
	}
	return raw, true
}

func (f *fields) fail(kind ErrorKind, name string, cause error) {
	if f.err == nil {
		f.err = &ProtocolError{Kind: kind, Field: name, Type: string(f.m.Type), RequestID: f.m.RequestID, Err: cause}
	}
}

func (f *fields) str(name string, required bool, def string) string {
	raw, ok := f.raw(name)
	if !ok {
		if required {
			f.fail(KindMissingField, name, nil)
		}
		return def
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		f.fail(KindInvalidField, name, errors.New("must be a string"))
		return def
	}
	return s
}

func (f *fields) num(name string, required bool, def float64) float64 {
	raw, ok := f.raw(name)
	if !ok {
		if required {
			f.fail(KindMissingField, name, nil)
		}
		return def
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		f.fail(KindInvalidField, name, errors.New("must be a number"))
		return def
	}
	return n
}

func (f *fields) integer(name string, required bool, def int) int {
	n := f.num(name, required, float64(def))
	if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
		f.fail(KindInvalidField, name, errors.New("must be an integer"))
		return def
	}
	return int(n)
}

func (f *fields) boolean(name string, required bool, def bool) bool {
	raw, ok := f.raw(name)
	if !ok {
		if required {
			f.fail(KindMissingField, name, nil)
		}
		return def
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		f.fail(KindInvalidField, name, errors.New("must be a boolean"))
		return def
	}
	return b
}

func (f *fields) strings(name string) []string {
	raw, ok := f.raw(name)
	if !ok {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		f.fail(KindInvalidField, name, errors.New("must be an array of strings"))
		return nil
	}
	return out
}

func (f *fields) object(name string, required bool, v any) {
	raw, ok := f.raw(name)
	if !ok {
		if required {
			f.fail(KindMissingField, name, nil)
		}
		return
	}
	if len(raw) == 0 || raw[0] != '{' {
		f.fail(KindInvalidField, name, errors.New("must be an object"))
		return
	}
	if err := json.Unmarshal(raw, v); err != nil {
		f.fail(KindInvalidField, name, err)
	}
}

func (f *fields) button(name string) string {
	b := f.str(name, false, DefaultButton)
	if f.err == nil && !validButtons[b] {
		f.fail(KindInvalidField, name, fmt.Errorf("unknown button %q", b))
	}
	return b
}

func (f *fields) nonNegative(name string, v float64) float64 {
	if f.err == nil && v < 0 {
		f.fail(KindInvalidField, name, errors.New("must not be negative"))
	}
	return v
}

func expect(m *Message, t Type) *fields {
	f := &fields{m: m}
	if m.Type != t {
		f.err = &ProtocolError{
			Kind: KindInvalidField, Field: keyType, Type: string(m.Type), RequestID: m.RequestID,
			Err: fmt.Errorf("expected %s", t),
		}
	}
	return f
}

// --- Controller → Hub ---

// HandshakeOf extracts a handshake payload.
func HandshakeOf(m *Message) (Handshake, error) {
	f := expect(m, TypeHandshake)
	var h Handshake
	// An empty api_key is accepted here so the hub can answer "rejected".
	h.APIKey = f.str("api_key", true, "")
	h.ClientVersion = f.str("client_version", true, "")
	f.object("system_info", true, &h.SystemInfo)
	return h, f.err
}

// ActionResultOf extracts an action_result payload.
func ActionResultOf(m *Message) (ActionResult, error) {
	f := expect(m, TypeActionResult)
	r := ActionResult{
		Success:    f.boolean("success", true, false),
		Message:    f.str("message", false, ""),
		DurationMS: f.num("duration_ms", false, 0),
	}
	return r, f.err
}

// ScreenshotResponseOf extracts a screenshot_response payload.
func ScreenshotResponseOf(m *Message) (ScreenshotResponse, error) {
	f := expect(m, TypeScreenshotResponse)
	r := ScreenshotResponse{
		Success:     f.boolean("success", true, false),
		Message:     f.str("message", false, ""),
		ImageBase64: f.str("image_base64", false, ""),
		Format:      f.str("format", false, ""),
		Width:       f.integer("width", false, 0),
		Height:      f.integer("height", false, 0),
		DurationMS:  f.num("duration_ms", false, 0),
	}
	return r, f.err
}

// CommandResultOf extracts a command_result payload.
func CommandResultOf(m *Message) (CommandResult, error) {
	f := expect(m, TypeCommandResult)
	r := CommandResult{
		Success:    f.boolean("success", true, false),
		Message:    f.str("message", false, ""),
		ReturnCode: f.integer("return_code", false, 0),
		Stdout:     f.str("stdout", false, ""),
		Stderr:     f.str("stderr", false, ""),
		DurationMS: f.num("duration_ms", false, 0),
	}
	return r, f.err
}

// CommandOutputOf extracts a command_output payload.
func CommandOutputOf(m *Message) (CommandOutput, error) {
	f := expect(m, TypeCommandOutput)
	r := CommandOutput{
		Stream: f.str("stream", true, ""),
		Line:   f.str("line", true, ""),
		Seq:    int64(f.integer("seq", false, 0)),
	}
	if f.err == nil && r.Stream != "stdout" && r.Stream != "stderr" {
		f.fail(KindInvalidField, "stream", fmt.Errorf("unknown stream %q", r.Stream))
	}
	return r, f.err
}

// BrowserContentResultOf extracts a browser_content_result payload.
func BrowserContentResultOf(m *Message) (BrowserContentResult, error) {
	f := expect(m, TypeBrowserContentResult)
	r := BrowserContentResult{
		Success:     f.boolean("success", true, false),
		Message:     f.str("message", false, ""),
		URL:         f.str("url", false, ""),
		Title:       f.str("title", false, ""),
		Content:     f.str("content", false, ""),
		ImageBase64: f.str("image_base64", false, ""),
		FilePath:    f.str("file_path", false, ""),
		DurationMS:  f.num("duration_ms", false, 0),
	}
	if raw, ok := f.raw("elements"); ok && f.err == nil {
		if err := json.Unmarshal(raw, &r.Elements); err != nil {
			f.fail(KindInvalidField, "elements", err)
		}
	}
	return r, f.err
}

// InteractiveOutputOf extracts an interactive_output payload.
func InteractiveOutputOf(m *Message) (InteractiveOutput, error) {
	f := expect(m, TypeInteractiveOutput)
	r := InteractiveOutput{
		Success:   f.boolean("success", true, false),
		Message:   f.str("message", false, ""),
		SessionID: f.str("session_id", false, ""),
		Output:    f.str("output", false, ""),
		IsRunning: f.boolean("is_running", false, false),
	}
	if _, ok := f.raw("exit_code"); ok {
		code := f.integer("exit_code", false, 0)
		r.ExitCode = &code
	}
	return r, f.err
}

// ErrorOf extracts an error payload.
func ErrorOf(m *Message) (ErrorMessage, error) {
	f := expect(m, TypeError)
	r := ErrorMessage{
		Code:    f.str("code", true, ""),
		Message: f.str("message", true, ""),
	}
	f.object("details", false, &r.Details)
	return r, f.err
}

// --- Hub → Controller ---

// HandshakeAckOf extracts a handshake_ack payload.
func HandshakeAckOf(m *Message) (HandshakeAck, error) {
	f := expect(m, TypeHandshakeAck)
	r := HandshakeAck{
		Status:      f.str("status", true, ""),
		Message:     f.str("message", false, ""),
		ProjectID:   f.str("project_id", false, ""),
		ProjectName: f.str("project_name", false, ""),
	}
	return r, f.err
}

// ClickOf extracts a click request.
func ClickOf(m *Message) (Click, error) {
	f := expect(m, TypeClick)
	r := Click{
		X:      f.integer("x", true, 0),
		Y:      f.integer("y", true, 0),
		Button: f.button("button"),
		Clicks: f.integer("clicks", false, 1),
	}
	if f.err == nil && r.Clicks < 1 {
		f.fail(KindInvalidField, "clicks", errors.New("must be at least 1"))
	}
	return r, f.err
}

// HoverOf extracts a hover request.
func HoverOf(m *Message) (Hover, error) {
	f := expect(m, TypeHover)
	r := Hover{
		X: f.integer("x", true, 0),
		Y: f.integer("y", true, 0),
	}
	r.Duration = f.nonNegative("duration", f.num("duration", false, 0))
	return r, f.err
}

// DragOf extracts a drag request.
func DragOf(m *Message) (Drag, error) {
	f := expect(m, TypeDrag)
	r := Drag{
		StartX: f.integer("start_x", true, 0),
		StartY: f.integer("start_y", true, 0),
		EndX:   f.integer("end_x", true, 0),
		EndY:   f.integer("end_y", true, 0),
	}
	r.Duration = f.nonNegative("duration", f.num("duration", false, DefaultDragDuration))
	r.Button = f.button("button")
	return r, f.err
}

// TypeTextOf extracts a type_text request.
func TypeTextOf(m *Message) (TypeText, error) {
	f := expect(m, TypeTypeText)
	r := TypeText{Text: f.str("text", true, "")}
	r.Interval = f.nonNegative("interval", f.num("interval", false, 0))
	return r, f.err
}

// KeyPressOf extracts a key_press request.
func KeyPressOf(m *Message) (KeyPress, error) {
	f := expect(m, TypeKeyPress)
	r := KeyPress{
		Key:       f.str("key", true, ""),
		Modifiers: f.strings("modifiers"),
	}
	if f.err == nil && r.Key == "" {
		f.fail(KindInvalidField, "key", errors.New("must not be empty"))
	}
	return r, f.err
}

// ScreenshotRequestOf extracts a screenshot_request.
func ScreenshotRequestOf(m *Message) (ScreenshotRequest, error) {
	f := expect(m, TypeScreenshotRequest)
	return ScreenshotRequest{Format: f.str("format", false, DefaultScreenshotFmt)}, f.err
}

// RunCommandOf extracts a run_command request.
func RunCommandOf(m *Message) (RunCommand, error) {
	f := expect(m, TypeRunCommand)
	r := RunCommand{
		Command: f.str("command", true, ""),
		Cwd:     f.str("cwd", false, ""),
		Stream:  f.boolean("stream", false, true),
	}
	r.Timeout = f.nonNegative("timeout", f.num("timeout", false, DefaultCommandTimeout))
	if f.err == nil && r.Command == "" {
		f.fail(KindInvalidField, "command", errors.New("must not be empty"))
	}
	return r, f.err
}

// BrowserNavigateOf extracts a browser_navigate request.
func BrowserNavigateOf(m *Message) (BrowserNavigate, error) {
	f := expect(m, TypeBrowserNavigate)
	return BrowserNavigate{URL: f.str("url", true, "")}, f.err
}

// BrowserSelectorOf extracts a browser_click or browser_hover request.
func BrowserSelectorOf(m *Message) (BrowserSelector, error) {
	f := &fields{m: m}
	if m.Type != TypeBrowserClick && m.Type != TypeBrowserHover {
		f = expect(m, TypeBrowserClick)
	}
	return BrowserSelector{Selector: f.str("selector", true, "")}, f.err
}

// BrowserTypeOf extracts a browser_type request.
func BrowserTypeOf(m *Message) (BrowserType, error) {
	f := expect(m, TypeBrowserType)
	r := BrowserType{
		Selector: f.str("selector", true, ""),
		Text:     f.str("text", true, ""),
		Clear:    f.boolean("clear", false, true),
	}
	return r, f.err
}

// BrowserGetElementsOf extracts a browser_get_elements request.
func BrowserGetElementsOf(m *Message) (BrowserGetElements, error) {
	f := expect(m, TypeBrowserGetElements)
	r := BrowserGetElements{
		Selector: f.str("selector", false, DefaultElementSelector),
		Limit:    f.integer("limit", false, DefaultElementLimit),
	}
	if f.err == nil && r.Limit <= 0 {
		f.fail(KindInvalidField, "limit", errors.New("must be positive"))
	}
	return r, f.err
}

// BrowserGetPageContentOf extracts a browser_get_page_content request.
func BrowserGetPageContentOf(m *Message) (BrowserGetPageContent, error) {
	f := expect(m, TypeBrowserGetPageContent)
	r := BrowserGetPageContent{MaxLength: f.integer("max_length", false, 0)}
	if f.err == nil && r.MaxLength < 0 {
		f.fail(KindInvalidField, "max_length", errors.New("must not be negative"))
	}
	return r, f.err
}

// BrowserTakeScreenshotOf extracts a browser_take_screenshot request.
func BrowserTakeScreenshotOf(m *Message) (BrowserTakeScreenshot, error) {
	f := expect(m, TypeBrowserTakeScreenshot)
	return BrowserTakeScreenshot{FullPage: f.boolean("full_page", false, false)}, f.err
}

// BrowserDownloadOf extracts a browser_download request.
func BrowserDownloadOf(m *Message) (BrowserDownload, error) {
	f := expect(m, TypeBrowserDownload)
	r := BrowserDownload{
		URL:      f.str("url", false, ""),
		Selector: f.str("selector", false, ""),
		Dir:      f.str("dir", false, ""),
	}
	if f.err == nil && r.URL == "" && r.Selector == "" {
		f.fail(KindMissingField, "url", errors.New("url or selector is required"))
	}
	return r, f.err
}

// StartInteractiveCmdOf extracts a start_interactive_cmd request.
func StartInteractiveCmdOf(m *Message) (StartInteractiveCmd, error) {
	f := expect(m, TypeStartInteractiveCmd)
	r := StartInteractiveCmd{
		Command: f.str("command", true, ""),
		Cwd:     f.str("cwd", false, ""),
	}
	r.ReadTimeout = f.nonNegative("read_timeout", f.num("read_timeout", false, DefaultReadTimeout))
	r.OverallTimeout = f.nonNegative("overall_timeout", f.num("overall_timeout", false, DefaultOverallTimeout))
	if f.err == nil && r.Command == "" {
		f.fail(KindInvalidField, "command", errors.New("must not be empty"))
	}
	return r, f.err
}

// SendInputOf extracts a send_input request.
func SendInputOf(m *Message) (SendInput, error) {
	f := expect(m, TypeSendInput)
	r := SendInput{
		SessionID: f.str("session_id", false, ""),
		Text:      f.str("text", true, ""),
	}
	r.ReadTimeout = f.nonNegative("read_timeout", f.num("read_timeout", false, DefaultReadTimeout))
	return r, f.err
}

// TerminateInteractiveCmdOf extracts a terminate_interactive_cmd request.
func TerminateInteractiveCmdOf(m *Message) (TerminateInteractiveCmd, error) {
	f := expect(m, TypeTerminateInteractiveCmd)
	return TerminateInteractiveCmd{SessionID: f.str("session_id", false, "")}, f.err
}

// ValidateAction checks that m is an action request with a valid payload.
func ValidateAction(m *Message) error {
	var err error
	switch m.Type {
	case TypeClick:
		_, err = ClickOf(m)
	case TypeHover:
		_, err = HoverOf(m)
	case TypeDrag:
		_, err = DragOf(m)
	case TypeTypeText:
		_, err = TypeTextOf(m)
	case TypeKeyPress:
		_, err = KeyPressOf(m)
	case TypeScreenshotRequest:
		_, err = ScreenshotRequestOf(m)
	case TypeRunCommand:
		_, err = RunCommandOf(m)
	case TypeBrowserNavigate:
		_, err = BrowserNavigateOf(m)
	case TypeBrowserClick, TypeBrowserHover:
		_, err = BrowserSelectorOf(m)
	case TypeBrowserType:
		_, err = BrowserTypeOf(m)
	case TypeBrowserGetElements:
		_, err = BrowserGetElementsOf(m)
	case TypeBrowserGetPageContent:
		_, err = BrowserGetPageContentOf(m)
	case TypeBrowserGetURL:
	case TypeBrowserTakeScreenshot:
		_, err = BrowserTakeScreenshotOf(m)
	case TypeBrowserDownload:
		_, err = BrowserDownloadOf(m)
	case TypeStartInteractiveCmd:
		_, err = StartInteractiveCmdOf(m)
	case TypeSendInput:
		_, err = SendInputOf(m)
	case TypeTerminateInteractiveCmd:
		_, err = TerminateInteractiveCmdOf(m)
	default:
		return &ProtocolError{Kind: KindUnknownType, Type: string(m.Type), RequestID: m.RequestID}
	}
	return err
}

package api

type WindowItem struct {
	ID             string `json:"id"`
	Ref            string `json:"ref"`
	Index          int    `json:"index"`
	Key            bool   `json:"key"`
	WorkspaceCount int    `json:"workspace_count"`
}

type WorkspaceItem struct {
	ID        string `json:"id"`
	Ref       string `json:"ref"`
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Selected  bool   `json:"selected"`
	WindowID  string `json:"window_id"`
	WindowRef string `json:"window_ref"`
	PaneCount int    `json:"pane_count"`
}

type PaneItem struct {
	ID           string `json:"id"`
	Ref          string `json:"ref"`
	Index        int    `json:"index"`
	Focused      bool   `json:"focused"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	WorkspaceID  string `json:"workspace_id"`
	WorkspaceRef string `json:"workspace_ref"`
	SurfaceCount int    `json:"surface_count"`
}

type SurfaceItem struct {
	ID      string `json:"id"`
	Ref     string `json:"ref"`
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Focused bool   `json:"focused"`
	PaneID  string `json:"pane_id"`
	PaneRef string `json:"pane_ref"`
}

// PaneSurfaceItem is a surface listed under its pane; Selected marks the
// pane's active tab.
type PaneSurfaceItem struct {
	SurfaceItem
	Selected bool `json:"selected"`
}

type NotificationItem struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle,omitempty"`
	Body         string `json:"body,omitempty"`
	WorkspaceID  string `json:"workspace_id,omitempty"`
	WorkspaceRef string `json:"workspace_ref,omitempty"`
	SurfaceID    string `json:"surface_id,omitempty"`
	SurfaceRef   string `json:"surface_ref,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type Capabilities struct {
	Protocol    string   `json:"protocol"`
	Version     int      `json:"version"`
	AppVersion  string   `json:"app_version"`
	SocketPath  string   `json:"socket_path"`
	AccessMode  string   `json:"access_mode"`
	Methods     []string `json:"methods"`
	V1Commands  []string `json:"v1_commands"`
	Unsupported []string `json:"unsupported,omitempty"`
}

type JournalEntry struct {
	Protocol   string `json:"protocol"`
	Method     string `json:"method"`
	OK         bool   `json:"ok"`
	ErrorCode  string `json:"error_code,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Params     string `json:"params,omitempty"`
	At         string `json:"at"`
}

package event

import (
	"maps"
	"time"
)

// Type identifies the kind of event.
type Type int

const (
	SessionConnect Type = iota + 1
	SessionClosed
	ClientVersion
	ClientSize
	ClientVar
	ClientFingerprint
	LoginSuccess
	LoginFailed
	CommandInput
	CommandFailed
	FileDownload
	FileDownloadFailed
	FileUpload
	LogClosed
	ArtifactDuplicate
	DirectTCPIPRequest
	DirectTCPIPData
	ProxyBackendFailed
)

var typeNames = [...]string{
	SessionConnect:     "session.connect",
	SessionClosed:      "session.closed",
	ClientVersion:      "client.version",
	ClientSize:         "client.size",
	ClientVar:          "client.var",
	ClientFingerprint:  "client.fingerprint",
	LoginSuccess:       "login.success",
	LoginFailed:        "login.failed",
	CommandInput:       "command.input",
	CommandFailed:      "command.failed",
	FileDownload:       "session.file_download",
	FileDownloadFailed: "session.file_download.failed",
	FileUpload:         "session.file_upload",
	LogClosed:          "log.closed",
	ArtifactDuplicate:  "artifact.duplicate",
	DirectTCPIPRequest: "direct-tcpip.request",
	DirectTCPIPData:    "direct-tcpip.data",
	ProxyBackendFailed: "proxy.backend_failed",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event is a single structured record about attacker activity.
type Event struct {
	Fields    map[string]any
	Timestamp time.Time
	Session   string // transport id
	SrcIP     string
	Type      Type
}

// New builds an event stamped with now.
func New(typ Type, session, srcIP string, fields map[string]any) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Session:   session,
		SrcIP:     srcIP,
		Fields:    fields,
	}
}

// Flatten returns the event as a single map with the envelope keys
// eventid, timestamp, session and src_ip alongside the event fields.
func (e Event) Flatten() map[string]any {
	out := make(map[string]any, len(e.Fields)+4)
	maps.Copy(out, e.Fields)
	out["eventid"] = e.Type.String()
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.Session != "" {
		out["session"] = e.Session
	}
	if e.SrcIP != "" {
		out["src_ip"] = e.SrcIP
	}
	return out
}

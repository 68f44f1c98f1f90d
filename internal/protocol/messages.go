package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Version is the wire protocol version negotiated at WS upgrade time.
// Only V6 is implemented; see SPEC_FULL.md Open Question (a).
type Version int

const V6 Version = 6

func (v Version) String() string { return fmt.Sprintf("v%d", int(v)) }

// MsgType discriminates the JSON "type" tag, mirroring the Rust
// #[serde(tag = "type")] enums in protocol/v6.rs.
type MsgType string

const (
	MsgTransferRequest MsgType = "TransferRequest"
	MsgProgress        MsgType = "Progress"
	MsgDone            MsgType = "Done"
	MsgError           MsgType = "Error"
	MsgReqChsum        MsgType = "ReqChsum"
	MsgReportChsum     MsgType = "ReportChsum"
	MsgStart           MsgType = "Start"
	MsgCancel          MsgType = "Cancel"
	MsgReject          MsgType = "Reject"
)

// RequestedFile is one entry in a TransferRequest's file list.
type RequestedFile struct {
	Path string `json:"path"`
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// TransferRequest is the opening client→server frame.
type TransferRequest struct {
	ID    string          `json:"id"`
	Files []RequestedFile `json:"files"`
}

// Progress carries a running byte count for one file.
type Progress struct {
	File           string `json:"file"`
	BytesTransfered uint64 `json:"bytes_transfered"`
}

// Error optionally scopes to one file; file == "" means transfer-scoped.
type ErrorMsg struct {
	File string `json:"file,omitempty"`
	Msg  string `json:"msg"`
}

// ReqChsum asks the peer to checksum up to Limit bytes of a file.
type ReqChsum struct {
	File  string `json:"file"`
	Limit uint64 `json:"limit"`
}

// ReportChsum answers a ReqChsum; Checksum is the hex-encoded SHA-256 of
// the first Limit bytes.
type ReportChsum struct {
	File     string `json:"file"`
	Limit    uint64 `json:"limit"`
	Checksum string `json:"checksum"`
}

func (r ReportChsum) ChecksumBytes() ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(r.Checksum)
	if err != nil {
		return out, fmt.Errorf("invalid checksum hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("checksum must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func NewReportChsum(file string, limit uint64, sum [32]byte) ReportChsum {
	return ReportChsum{File: file, Limit: limit, Checksum: hex.EncodeToString(sum[:])}
}

// Start tells the sender to stream from Offset.
type Start struct {
	File   string `json:"file"`
	Offset uint64 `json:"offset"`
}

// FileRef names a file with no other payload (Cancel, Reject).
type FileRef struct {
	File string `json:"file"`
}

// ServerMsg is any message the receiver (WS server) sends to the sender.
type ServerMsg struct {
	Type     MsgType
	Progress *Progress
	Done     *Progress
	Error    *ErrorMsg
	ReqChsum *ReqChsum
	Start    *Start
	Cancel   *FileRef
	Reject   *FileRef
}

// ClientMsg is any message the sender (WS client) sends to the receiver,
// including the opening TransferRequest.
type ClientMsg struct {
	Type            MsgType
	TransferRequest *TransferRequest
	ReportChsum     *ReportChsum
	Error           *ErrorMsg
	Cancel          *FileRef
	Reject          *FileRef
}

type taggedEnvelope struct {
	Type MsgType `json:"type"`
}

func marshalTagged(msgType MsgType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	merged["type"] = json.RawMessage(fmt.Sprintf("%q", msgType))
	return json.Marshal(merged)
}

// MarshalJSON flattens ServerMsg into {"type": "...", ...fields} exactly
// like the Rust #[serde(tag = "type")] representation.
func (m ServerMsg) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MsgProgress:
		return marshalTagged(m.Type, m.Progress)
	case MsgDone:
		return marshalTagged(m.Type, m.Done)
	case MsgError:
		return marshalTagged(m.Type, m.Error)
	case MsgReqChsum:
		return marshalTagged(m.Type, m.ReqChsum)
	case MsgStart:
		return marshalTagged(m.Type, m.Start)
	case MsgCancel:
		return marshalTagged(m.Type, m.Cancel)
	case MsgReject:
		return marshalTagged(m.Type, m.Reject)
	default:
		return nil, fmt.Errorf("unknown server message type %q", m.Type)
	}
}

// UnmarshalJSON is tolerant of unknown/extra fields, per spec.md §4.2.
func (m *ServerMsg) UnmarshalJSON(data []byte) error {
	var env taggedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	m.Type = env.Type

	switch env.Type {
	case MsgProgress:
		m.Progress = new(Progress)
		return json.Unmarshal(data, m.Progress)
	case MsgDone:
		m.Done = new(Progress)
		return json.Unmarshal(data, m.Done)
	case MsgError:
		m.Error = new(ErrorMsg)
		return json.Unmarshal(data, m.Error)
	case MsgReqChsum:
		m.ReqChsum = new(ReqChsum)
		return json.Unmarshal(data, m.ReqChsum)
	case MsgStart:
		m.Start = new(Start)
		return json.Unmarshal(data, m.Start)
	case MsgCancel:
		m.Cancel = new(FileRef)
		return json.Unmarshal(data, m.Cancel)
	case MsgReject:
		m.Reject = new(FileRef)
		return json.Unmarshal(data, m.Reject)
	default:
		return fmt.Errorf("unknown server message type %q", env.Type)
	}
}

func (m ClientMsg) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MsgTransferRequest:
		return marshalTagged(m.Type, m.TransferRequest)
	case MsgReportChsum:
		return marshalTagged(m.Type, m.ReportChsum)
	case MsgError:
		return marshalTagged(m.Type, m.Error)
	case MsgCancel:
		return marshalTagged(m.Type, m.Cancel)
	case MsgReject:
		return marshalTagged(m.Type, m.Reject)
	default:
		return nil, fmt.Errorf("unknown client message type %q", m.Type)
	}
}

func (m *ClientMsg) UnmarshalJSON(data []byte) error {
	var env taggedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	m.Type = env.Type

	switch env.Type {
	case MsgTransferRequest:
		m.TransferRequest = new(TransferRequest)
		return json.Unmarshal(data, m.TransferRequest)
	case MsgReportChsum:
		m.ReportChsum = new(ReportChsum)
		return json.Unmarshal(data, m.ReportChsum)
	case MsgError:
		m.Error = new(ErrorMsg)
		return json.Unmarshal(data, m.Error)
	case MsgCancel:
		m.Cancel = new(FileRef)
		return json.Unmarshal(data, m.Cancel)
	case MsgReject:
		m.Reject = new(FileRef)
		return json.Unmarshal(data, m.Reject)
	default:
		return fmt.Errorf("unknown client message type %q", env.Type)
	}
}

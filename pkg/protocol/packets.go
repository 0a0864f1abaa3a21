package protocol

import "github.com/pkg/errors"

const (
	IDSubscribe          ID = "Subscribe"
	IDUnsubscribe        ID = "Unsubscribe"
	IDCommandRequest     ID = "CommandRequest"
	IDCommandResponse    ID = "CommandResponse"
	IDError              ID = "Error"
	IDEncryptionResponse ID = "EncryptionResponse"
	IDDataRequest        ID = "DataRequest"
	IDDataResponse       ID = "DataResponse"
)

// Subscribe asks the client to start streaming an event.
type Subscribe struct {
	Event string `json:"eventName"`
}

func (*Subscribe) ID() ID                { return IDSubscribe }
func (*Subscribe) Purpose() Purpose      { return PurposeSubscribe }
func (pk *Subscribe) EventName() string { return pk.Event }

// Unsubscribe asks the client to stop streaming an event.
type Unsubscribe struct {
	Event string `json:"eventName"`
}

func (*Unsubscribe) ID() ID                { return IDUnsubscribe }
func (*Unsubscribe) Purpose() Purpose      { return PurposeUnsubscribe }
func (pk *Unsubscribe) EventName() string { return pk.Event }

// CommandOrigin names who the client executes a command as.
type CommandOrigin struct {
	Type string `json:"type"`
}

// CommandRequest runs a command line on the client.
type CommandRequest struct {
	CommandLine string        `json:"commandLine"`
	Version     int           `json:"version"`
	Origin      CommandOrigin `json:"origin"`
}

func (*CommandRequest) ID() ID           { return IDCommandRequest }
func (*CommandRequest) Purpose() Purpose { return PurposeCommandRequest }

// NewCommandRequest builds a request executed with player origin.
func NewCommandRequest(line string, version int) *CommandRequest {
	return &CommandRequest{
		CommandLine: line,
		Version:     version,
		Origin:      CommandOrigin{Type: "player"},
	}
}

// CommandResponse is the reply to a CommandRequest. Fields holds every body
// member besides the status pair.
type CommandResponse struct {
	StatusCode    int
	StatusMessage string
	Fields        map[string]any
}

func (*CommandResponse) ID() ID           { return IDCommandResponse }
func (*CommandResponse) Purpose() Purpose { return PurposeCommandResponse }

func (pk *CommandResponse) EncodeBody() (map[string]any, error) {
	body := make(map[string]any, len(pk.Fields)+2)
	for k, v := range pk.Fields {
		body[k] = v
	}
	body["statusCode"] = pk.StatusCode
	body["statusMessage"] = pk.StatusMessage
	return body, nil
}

func (pk *CommandResponse) DecodeBody(body map[string]any) error {
	code, msg, err := decodeStatus(body)
	if err != nil {
		return err
	}
	pk.StatusCode, pk.StatusMessage = code, msg

	pk.Fields = nil
	for k, v := range body {
		if k == "statusCode" || k == "statusMessage" {
			continue
		}
		if pk.Fields == nil {
			pk.Fields = make(map[string]any)
		}
		pk.Fields[k] = v
	}
	return nil
}

// ErrorFrame is the body of an error purpose frame.
type ErrorFrame struct {
	StatusCode    int    `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

func (*ErrorFrame) ID() ID           { return IDError }
func (*ErrorFrame) Purpose() Purpose { return PurposeError }

// EncryptionResponse carries the client's public key in reply to the
// enableencryption command.
type EncryptionResponse struct {
	PublicKey string `json:"publicKey"`
}

func (*EncryptionResponse) ID() ID           { return IDEncryptionResponse }
func (*EncryptionResponse) Purpose() Purpose { return PurposeEncrypt }

// DataRequest queries static game data. The kind is not part of the body,
// it travels as the header purpose and is restored by Registry.DecodeFrame.
type DataRequest struct {
	Kind Purpose `json:"-"`
}

func (*DataRequest) ID() ID                     { return IDDataRequest }
func (pk *DataRequest) Purpose() Purpose        { return pk.Kind }
func (pk *DataRequest) SetPurpose(kind Purpose) { pk.Kind = kind }

// DataResponse holds the raw body of a data query reply.
type DataResponse struct {
	Kind Purpose
	Data map[string]any
}

func (*DataResponse) ID() ID                     { return IDDataResponse }
func (pk *DataResponse) Purpose() Purpose        { return pk.Kind }
func (pk *DataResponse) SetPurpose(kind Purpose) { pk.Kind = kind }

func (pk *DataResponse) EncodeBody() (map[string]any, error) {
	body := make(map[string]any, len(pk.Data))
	for k, v := range pk.Data {
		body[k] = v
	}
	return body, nil
}

func (pk *DataResponse) DecodeBody(body map[string]any) error {
	pk.Data = make(map[string]any, len(body))
	for k, v := range body {
		pk.Data[k] = v
	}
	return nil
}

func decodeStatus(body map[string]any) (int, string, error) {
	var code int
	switch v := body["statusCode"].(type) {
	case nil:
	case float64:
		code = int(v)
	case int:
		code = v
	case int64:
		code = int(v)
	default:
		return 0, "", errors.Errorf("statusCode has unexpected type %T", v)
	}

	msg, _ := body["statusMessage"].(string)
	return code, msg, nil
}

// Package envelope 定義線路上的訊息格式
//
// 每則訊息都是一個 JSON 物件：
//
//	{ "type": "internal" | <應用自訂>, "header": "...", "content": <任意> }
//
// type 為 "internal" 時 header 必填，由對應的協議層依標頭處理；
// 其他 type 一律視為應用訊息，原樣交給應用層。
package envelope

import (
	"bytes"
	"encoding/json"

	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
)

// TypeInternal 控制訊息
const TypeInternal = "internal"

// Envelope 線路訊息
type Envelope struct {
	Type     string          `json:"type"`
	Header   Header          `json:"header,omitempty"`
	Content  json.RawMessage `json:"content"`
	ClientID string          `json:"clientId,omitempty"`

	// 轉送群組廣播時附上來源
	From  string `json:"from,omitempty"`
	Group string `json:"group,omitempty"`
}

var null = []byte("null")

// Parse 解析並驗證原始訊息
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "message is not a json object")
	}
	if env.Type == "" {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "message type is missing")
	}
	if env.Type == TypeInternal && env.Header == "" {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "internal message requires a header")
	}
	if len(env.Content) == 0 {
		env.Content = null
	}
	return &env, nil
}

// IsInternal 是否為控制訊息
func (e *Envelope) IsInternal() bool {
	return e.Type == TypeInternal
}

// HasContent content 是否存在且不是 null
func (e *Envelope) HasContent() bool {
	return len(e.Content) > 0 && !bytes.Equal(e.Content, null)
}

// Decode 將 content 解到 v
func (e *Envelope) Decode(v any) error {
	if !e.HasContent() {
		return apperrors.New(apperrors.ErrCodeValidation, "content is missing")
	}
	if err := json.Unmarshal(e.Content, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "malformed content")
	}
	return nil
}

// Marshal 序列化
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// New 建立訊息
func New(typ string, header Header, content any) (*Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "content is not serializable")
	}
	return &Envelope{Type: typ, Header: header, Content: raw}, nil
}

// Internal 建立並序列化一則控制訊息
func Internal(header Header, content any) ([]byte, error) {
	env, err := New(TypeInternal, header, content)
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

// Forward 轉送給群組其他成員的訊息，附上來源客戶端與群組
func Forward(header Header, from, group string, content json.RawMessage) ([]byte, error) {
	if len(content) == 0 {
		content = null
	}
	env := &Envelope{
		Type:    TypeInternal,
		Header:  header,
		Content: content,
		From:    from,
		Group:   group,
	}
	return env.Marshal()
}

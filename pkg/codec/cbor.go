// Package codec 提供 CBOR 編解碼，用於對局狀態快照與 UDP 次要通道
//
// 編碼使用 Core Deterministic 模式：同樣的值永遠得到同樣的位元組。
// 結構體沒有 cbor 標籤時沿用 json 標籤，所以同一個型別可以同時走 JSON 與 CBOR。
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// any 目標一律解成 map[string]any，才能再交給 encoding/json
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal 編碼為 CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 解碼 CBOR
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// FromJSON 將 JSON 文件轉成等價的 CBOR
func FromJSON(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("解析 JSON 失敗: %w", err)
	}
	return Marshal(v)
}

// ToJSON 將 CBOR 文件轉成等價的 JSON
func ToJSON(data []byte) ([]byte, error) {
	var v any
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("解析 CBOR 失敗: %w", err)
	}
	return json.Marshal(v)
}

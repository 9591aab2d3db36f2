package message

import (
	"encoding/json"
	"fmt"
)

// Encode は値をJSONにシリアライズする。
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	return data, nil
}

// Decode はJSONを指定された型にデシリアライズする。
func Decode[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("メッセージのデシリアライズに失敗: %w", err)
	}
	return &v, nil
}

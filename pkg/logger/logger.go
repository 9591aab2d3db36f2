// Package logger はサービス共通の構造化ロガーを生成する。
//
// zapのJSONエンコーダを使用し、ログレベルは設定値から決定する。
// ロガーはグローバル変数として保持せず、各コンポーネントに明示的に渡す。
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New は指定したサービス名とログレベルで構造化ロガーを生成する。
// 解釈できないレベルが指定された場合はinfoとして扱う。
func New(service, level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	log, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	return log.With(zap.String("service", service)), nil
}

// Nop はログを出力しないロガーを返す。テストで使用する。
func Nop() *zap.Logger {
	return zap.NewNop()
}

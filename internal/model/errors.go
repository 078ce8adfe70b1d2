package model

import (
	"errors"
	"fmt"
)

// ErrSubscriberNotFound は購読者が存在しない場合のエラー。
var ErrSubscriberNotFound = errors.New("購読者が見つかりません")

// AuthenticationError はフィードプロバイダーが認証情報を拒否したことを表す。
// 購読者が外部で再認証するまで恒久的に失敗する。
type AuthenticationError struct {
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("認証に失敗しました (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("認証に失敗しました (status %d)", e.StatusCode)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError はネットワーク障害や5xxなどの一時的な取得失敗を表す。
// タイムアウトもこのエラーとして扱う。
type TransportError struct {
	StatusCode int // HTTPレスポンスを受け取れなかった場合は0
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("フィードの取得に失敗しました (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("フィードの取得に失敗しました: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeliveryError はメッセージ送信先が1件のメッセージを拒否またはタイムアウトしたことを表す。
type DeliveryError struct {
	SubscriberID string
	ItemID       string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("通知の配信に失敗しました (subscriber=%s, item=%s): %v", e.SubscriberID, e.ItemID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StoreError は永続化層の失敗を表す。
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ストア操作 %s に失敗しました: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsAuthenticationError はerrがAuthenticationErrorを含むかを判定する。
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsTransportError はerrがTransportErrorを含むかを判定する。
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// APIError はコマンド面（Slackのスラッシュコマンド）に返すユーザー向けエラーを表す。
// 原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotSubscribed      = "NOT_SUBSCRIBED"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeUnknownConfigKey   = "UNKNOWN_CONFIG_KEY"
	ErrCodeInvalidConfigValue = "INVALID_CONFIG_VALUE"
	ErrCodeMalformedConfig    = "MALFORMED_CONFIG"
	ErrCodeCorruptedData      = "CORRUPTED_DATA"
	ErrCodeThreadUnsubscribe  = "THREAD_UNSUBSCRIBE_FAILED"
)

// configHint は設定コマンドの使用例。
const configHint = "hint:\n```/config frequency 15```"

// NewNotSubscribedError は未購読ユーザーのエラーを生成する。
func NewNotSubscribedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotSubscribed,
		Message:  "User is not subscribed.",
		Category: "auth",
		Action:   "Please subscribe with GH notifications token.",
	}
}

// NewInvalidTokenError はトークン検証失敗のエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "Invalid token",
		Category: "auth",
		Action:   "Create a token with the notifications scope and subscribe again.",
	}
}

// NewUnknownConfigKeyError は未知の設定キーのエラーを生成する。
func NewUnknownConfigKeyError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownConfigKey,
		Message:  fmt.Sprintf("%s: config option not recognised", key),
		Category: "validation",
		Action:   configHint,
	}
}

// NewInvalidConfigValueError は設定値が不正な場合のエラーを生成する。
func NewInvalidConfigValueError(key, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidConfigValue,
		Message:  fmt.Sprintf("%s: %s", key, reason),
		Category: "validation",
		Action:   configHint,
	}
}

// NewMalformedConfigError はkey/valueの組を解析できない場合のエラーを生成する。
func NewMalformedConfigError() *APIError {
	return &APIError{
		Code:     ErrCodeMalformedConfig,
		Message:  "unable to parse space separated key/value pairs from message",
		Category: "validation",
		Action:   configHint,
	}
}

// NewCorruptedDataError は保存済みの購読者データが読み取れない場合のエラーを生成する。
func NewCorruptedDataError() *APIError {
	return &APIError{
		Code:     ErrCodeCorruptedData,
		Message:  "Corrupted user data,",
		Category: "system",
		Action:   "please unsubscribe and resubscribe.",
	}
}

// NewThreadUnsubscribeError はスレッドの購読解除に失敗した場合のエラーを生成する。
func NewThreadUnsubscribeError() *APIError {
	return &APIError{
		Code:     ErrCodeThreadUnsubscribe,
		Message:  "Something went wrong",
		Category: "system",
		Action:   "Try again later.",
	}
}

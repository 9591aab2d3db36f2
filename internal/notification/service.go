package notification

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/directory"
	"github.com/nao1215/notifyhub/pkg/message"
	"github.com/nao1215/notifyhub/pkg/statusstore"
)

// defaultPriority はpriority省略時の優先度。
const defaultPriority = 1

// Directory はユーザープロファイルの参照先。
type Directory interface {
	GetUser(ctx context.Context, userID string) (*directory.UserProfile, error)
}

// Publisher は配信メッセージの発行先。
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg message.DeliveryMessage) error
}

// Store は通知レコードの保存先。
// UpdateStatusは読み出しから書き戻しまでを他の更新と競合しないように行い、
// mutateのエラーはそのまま返す。
type Store interface {
	SetStatus(ctx context.Context, rec message.Record) error
	GetStatus(ctx context.Context, notificationID string) (*message.Record, error)
	UpdateStatus(ctx context.Context, notificationID string, mutate func(*message.Record) error) (*message.Record, error)
}

// RequestVariables はリクエストで受け付けるテンプレート変数。
type RequestVariables struct {
	// Name は宛先の表示名。省略時はユーザーディレクトリの表示名で補完する。
	Name string `json:"name"`
	// Link はテンプレート内で使用するURL。
	Link string `json:"link" validate:"required,url"`
	// Meta は任意の追加変数。
	Meta map[string]any `json:"meta,omitempty"`
}

// CreateRequest は通知送信リクエスト。
type CreateRequest struct {
	// NotificationType は通知チャネル（email または push）。
	NotificationType message.NotificationType `json:"notification_type" validate:"required,oneof=email push"`
	// UserID は宛先ユーザーのID（UUID）。
	UserID string `json:"user_id" validate:"required,uuid"`
	// TemplateCode は配信ワーカーが使用するテンプレートの識別子。
	TemplateCode string `json:"template_code" validate:"required"`
	// Variables はテンプレート変数。
	Variables RequestVariables `json:"variables"`
	// RequestID は呼び出し元が指定する相関ID。重複排除には使用しない。
	RequestID string `json:"request_id" validate:"required"`
	// Priority は優先度（1=高, 2=通常, 3=低）。省略時は1。
	Priority int `json:"priority" validate:"omitempty,min=1,max=3"`
	// Metadata は呼び出し元の任意の付帯情報。ログにのみ使用する。
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateResult は通知送信の結果。
type CreateResult struct {
	// NotificationID は採番された通知ID。
	NotificationID string `json:"notification_id"`
	// Status は受付直後の状態。常にpending。
	Status message.Status `json:"status"`
	// RequestID はリクエストの相関ID。
	RequestID string `json:"request_id"`
}

// UpdateStatusRequest は配信ワーカーからのステータス更新リクエスト。
type UpdateStatusRequest struct {
	// NotificationID は更新対象の通知ID。
	NotificationID string `json:"notification_id" validate:"required"`
	// Status は新しい配信状態。
	Status message.Status `json:"status" validate:"required,oneof=pending delivered failed"`
	// Timestamp は状態が変化した日時。省略時は現在時刻。
	Timestamp *time.Time `json:"timestamp,omitempty"`
	// Error は配信失敗時のエラー内容。
	Error string `json:"error,omitempty"`
}

// Service は通知のオーケストレーター。複数goroutineから安全に使用できる。
type Service struct {
	// directory はユーザーディレクトリ。
	directory Directory
	// publisher はメッセージブローカー。
	publisher Publisher
	// store はステータスストア。
	store Store
	// validate はリクエストのバリデータ。
	validate *validator.Validate
	// log は構造化ロガー。
	log *zap.Logger
	// now は現在時刻を返す。
	now func() time.Time
	// newID は通知IDを採番する。
	newID func() string
}

// Option はServiceの設定を変更する関数。
type Option func(*Service)

// WithLogger はロガーを設定する。
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator は通知IDの採番方法を差し替える。
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

// NewService はオーケストレーターを生成する。
func NewService(dir Directory, pub Publisher, store Store, opts ...Option) *Service {
	s := &Service{
		directory: dir,
		publisher: pub,
		store:     store,
		validate:  newValidator(),
		log:       zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newValidator はエラーメッセージにJSONのフィールド名を使うバリデータを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check は構造体を検証し、失敗した場合はErrValidationをラップしたエラーを返す。
func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// 先頭の構造体名を除いた "variables.link" の形にする
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		if fe.Param() != "" {
			fields = append(fields, fmt.Sprintf("%s(%s=%s)", field, fe.Tag(), fe.Param()))
		} else {
			fields = append(fields, fmt.Sprintf("%s(%s)", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
}

// Create は通知を受け付け、配信メッセージを発行してpendingのレコードを作成する。
//
// 発行が成功した後にレコードの保存に失敗した場合はエラーを返すが、
// 発行済みのメッセージは取り消さない。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if req.Priority == 0 {
		req.Priority = defaultPriority
	}

	notificationID := s.newID()
	log := s.log.With(
		zap.String("notification_id", notificationID),
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID),
		zap.String("notification_type", string(req.NotificationType)),
	)

	profile, err := s.directory.GetUser(ctx, req.UserID)
	if err != nil {
		log.Warn("ユーザーを解決できません", zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrUserNotFound, req.UserID, err)
	}

	recipient, err := resolveRecipient(req.NotificationType, profile)
	if err != nil {
		log.Info("通知を受け付けませんでした", zap.Error(err))
		return nil, err
	}

	vars := message.Variables{
		Name: req.Variables.Name,
		Link: req.Variables.Link,
		Meta: req.Variables.Meta,
	}
	if vars.Name == "" {
		vars.Name = profile.DisplayName
	}

	msg := message.NewDeliveryMessage(notificationID, req.NotificationType, req.UserID, recipient, req.TemplateCode, vars, req.Priority)
	now := s.now()
	msg.Metadata.Timestamp = now

	if err := s.publisher.Publish(ctx, string(req.NotificationType), msg); err != nil {
		log.Error("配信メッセージの発行に失敗", zap.Error(err))
		return nil, fmt.Errorf("配信メッセージの発行に失敗: %w", err)
	}

	rec := message.Record{
		NotificationID:   notificationID,
		Status:           message.StatusPending,
		NotificationType: req.NotificationType,
		UserID:           req.UserID,
		Recipient:        recipient,
		RequestID:        req.RequestID,
		CreatedAt:        now,
	}
	// 発行済みのメッセージにはレコードが必要なため、呼び出し元のキャンセルを引き継がない。
	// タイムアウトはストア側で設定される。
	if err := s.store.SetStatus(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("発行済みの通知のステータス記録に失敗", zap.Error(err))
		return nil, fmt.Errorf("通知 %s は発行済みですがステータスの記録に失敗しました: %w", notificationID, err)
	}

	fields := []zap.Field{zap.Int("priority", req.Priority)}
	if len(req.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", req.Metadata))
	}
	log.Info("通知を受け付けました", fields...)

	return &CreateResult{
		NotificationID: notificationID,
		Status:         message.StatusPending,
		RequestID:      req.RequestID,
	}, nil
}

// resolveRecipient は受信設定を確認し、チャネルに応じた宛先を返す。
func resolveRecipient(t message.NotificationType, profile *directory.UserProfile) (string, error) {
	var allowed bool
	var recipient string
	switch t {
	case message.TypeEmail:
		allowed, recipient = profile.Preferences.Email, profile.Email
	case message.TypePush:
		allowed, recipient = profile.Preferences.Push, profile.PushToken
	default:
		return "", fmt.Errorf("%w: 未知の通知種別 %q", ErrValidation, t)
	}
	if !allowed {
		return "", fmt.Errorf("%w: %s", ErrPreferenceDenied, t)
	}
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("%w: %s", ErrRecipientUnavailable, t)
	}
	return recipient, nil
}

// UpdateStatus は通知レコードの状態を更新し、有効期間をリセットする。
//
// notificationTypeはレコードの通知種別と一致しなければならない。
// 終端状態からpendingへの更新はErrInvalidTransitionを返す。
// 終端状態同士の更新は受け付け、最後に届いた終端状態が残る。
func (s *Service) UpdateStatus(ctx context.Context, notificationType string, req UpdateStatusRequest) (*message.Record, error) {
	t := message.NotificationType(notificationType)
	if !t.Valid() {
		return nil, fmt.Errorf("%w: 未知の通知種別 %q", ErrValidation, notificationType)
	}
	if err := s.check(req); err != nil {
		return nil, err
	}

	var prev message.Status
	rec, err := s.store.UpdateStatus(ctx, req.NotificationID, func(rec *message.Record) error {
		if rec.NotificationType != t {
			return fmt.Errorf("%w: 通知種別が一致しません（レコード: %s, 指定: %s）", ErrValidation, rec.NotificationType, t)
		}
		if rec.Status.IsTerminal() && req.Status == message.StatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, req.Status)
		}

		updatedAt := s.now()
		if req.Timestamp != nil {
			updatedAt = req.Timestamp.UTC()
		}
		prev = rec.Status
		rec.Status = req.Status
		rec.UpdatedAt = &updatedAt
		rec.Error = req.Error
		return nil
	})
	if errors.Is(err, statusstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.NotificationID)
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("ステータスの更新に失敗: %w", err)
	}

	s.log.Info("ステータスを更新しました",
		zap.String("notification_id", rec.NotificationID),
		zap.String("from", string(prev)),
		zap.String("to", string(rec.Status)),
	)
	return rec, nil
}

// GetStatus は通知レコードを返す。
func (s *Service) GetStatus(ctx context.Context, notificationID string) (*message.Record, error) {
	if strings.TrimSpace(notificationID) == "" {
		return nil, fmt.Errorf("%w: 通知IDが必要です", ErrValidation)
	}
	return s.load(ctx, notificationID)
}

// load はストアからレコードを取得し、未作成・失効をErrNotFoundに変換する。
func (s *Service) load(ctx context.Context, notificationID string) (*message.Record, error) {
	rec, err := s.store.GetStatus(ctx, notificationID)
	if errors.Is(err, statusstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, notificationID)
	}
	if err != nil {
		return nil, fmt.Errorf("ステータスの取得に失敗: %w", err)
	}
	return rec, nil
}

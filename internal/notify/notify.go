// Package notify — порт исходящих уведомлений "новое сообщение" для остального приложения
// (тосты, бейджи, пуши). Доставка best-effort: ошибки логируются, состояние чата не меняют.
package notify

import (
	"context"
	"errors"

	"github.com/appointmentchat/internal/logger"
	"github.com/appointmentchat/internal/model"
)

// Notification — входящее сообщение от собеседника.
type Notification struct {
	AppointmentID string            `json:"appointmentId"`
	Message       model.ChatMessage `json:"message"`
	SenderName    string            `json:"senderName"`
}

type Notifier interface {
	NewMessage(ctx context.Context, n Notification) error
}

// Func адаптирует функцию к Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) NewMessage(ctx context.Context, n Notification) error { return f(ctx, n) }

// Multi рассылает уведомление всем получателям; ошибки объединяются.
type Multi []Notifier

func (m Multi) NewMessage(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.NewMessage(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier пишет уведомления в лог (режим разработки).
type LogNotifier struct{}

func (LogNotifier) NewMessage(_ context.Context, n Notification) error {
	logger.Infof("new message appointment=%s id=%s from=%q", n.AppointmentID, n.Message.ID, n.SenderName)
	return nil
}

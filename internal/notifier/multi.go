package notifier

import (
	"context"
	"errors"

	"price-radar/internal/model"
)

// Notifier 接收一次抓取运行的汇总。
type Notifier interface {
	Notify(ctx context.Context, report model.RunReport) error
}

// Multi 依次通知全部下游，某个失败不影响其余，错误合并返回。
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, report model.RunReport) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build 始终写日志，邮件配置完整时额外发送邮件。
func Build(email EmailConfig) Notifier {
	n := Multi{NewLogNotifier(nil)}
	if email.Enabled() {
		n = append(n, NewEmailNotifier(email, nil))
	}
	return n
}

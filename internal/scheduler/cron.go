package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultPollSpec — как часто scheduler ищет due правила.
const DefaultPollSpec = "@every 5s"

// specParser — парсер расписания опроса.
// Поддерживает секунды (опционально) и дескрипторы (@every 5s).
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSpec проверяет расписание опроса.
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid poll spec %q: %w", spec, err)
	}
	return nil
}

// Run вызывает Tick по расписанию spec до отмены ctx.
// Тик, не успевший завершиться к следующему срабатыванию, не дублируется.
func (s *Scheduler) Run(ctx context.Context, spec string) error {
	if spec == "" {
		spec = DefaultPollSpec
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithParser(specParser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	if _, err := c.AddFunc(spec, func() {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid poll spec %q: %w", spec, err)
	}

	s.logger.Info("scheduler started", "spec", spec)
	c.Start()

	<-ctx.Done()

	s.logger.Info("stopping scheduler, waiting for running tick")
	<-c.Stop().Done()
	return nil
}

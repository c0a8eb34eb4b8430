package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/SecondOrder-fun/probsync/config"
)

// runRetry re-drives one failed activation from its last committed step and
// exits. Run it against the same config the daemon uses so the retry sees
// the same store and contracts.
func runRetry(ctx context.Context, cfg *config.Config, target string, table bool) error {
	groupID, participant, err := parseTarget(target)
	if err != nil {
		return err
	}

	eng, err := buildEngine(ctx, cfg, table)
	if err != nil {
		return err
	}
	defer eng.close()

	// The retry path needs the write pipeline but no watchers or cron.
	eng.writer.Start(ctx)
	eng.machine.Start(ctx)
	defer func() {
		eng.machine.Stop()
		eng.writer.Stop()
	}()

	slog.Info("retrying activation", "group", groupID, "participant", participant)
	if err := eng.machine.Retry(ctx, groupID, participant); err != nil {
		return err
	}

	slog.Info("activation retry succeeded", "group", groupID, "participant", participant)
	return nil
}

func parseTarget(target string) (uint64, string, error) {
	group, participant, ok := strings.Cut(target, ":")
	if !ok || participant == "" {
		return 0, "", fmt.Errorf("retry target %q: want group:participant", target)
	}
	groupID, err := strconv.ParseUint(group, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("retry target %q: bad group id: %w", target, err)
	}
	return groupID, participant, nil
}

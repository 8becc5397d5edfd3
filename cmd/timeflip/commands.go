package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chaz8081/timeflip/internal/ble"
	"github.com/chaz8081/timeflip/internal/ble/protocol"
)

type command struct {
	name    string
	args    string
	help    string
	minArgs int
	maxArgs int
	run     func(ctx context.Context, s *ble.Session, args []string) error
}

var commands = []command{
	{name: "check", help: "print device characteristics and history", run: runCheck},
	{name: "status", help: "print lock, pause and auto-pause state", run: runStatus},
	{name: "history", help: "print the stored history", run: runHistory},
	{name: "clear-history", help: "erase the stored history", run: simple("History cleared", (*ble.Session).ClearHistory)},
	{name: "set-name", args: "NAME", help: "rename the device (max 19 ASCII characters)", minArgs: 1, maxArgs: 1, run: runSetName},
	{name: "set-password", args: "NEW", help: "change the device password (6 ASCII characters)", minArgs: 1, maxArgs: 1, run: runSetPassword},
	{name: "lock", help: "stop facet notifications", run: simple("Locked", (*ble.Session).Lock)},
	{name: "unlock", help: "resume facet notifications", run: simple("Unlocked", (*ble.Session).Unlock)},
	{name: "pause", help: "pause the timer", run: simple("Paused", (*ble.Session).Pause)},
	{name: "resume", help: "resume the timer", run: simple("Resumed", (*ble.Session).Resume)},
	{name: "auto-pause", args: "MINUTES", help: "set the auto-pause delay (0 disables)", minArgs: 1, maxArgs: 1, run: runAutoPause},
	{name: "calibration", args: "[VALUE]", help: "print or set the calibration token", maxArgs: 1, run: runCalibration},
	{name: "reset-calibration", help: "reset the calibration token to 0", run: simple("Calibration reset", (*ble.Session).ResetCalibration)},
	{name: "watch", help: "print notifications until interrupted", run: runWatch},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// simple wraps an operation without arguments or output.
func simple(done string, op func(*ble.Session, context.Context) error) func(context.Context, *ble.Session, []string) error {
	return func(ctx context.Context, s *ble.Session, _ []string) error {
		if err := op(s, ctx); err != nil {
			return err
		}
		fmt.Println(done)
		return nil
	}
}

func runCheck(ctx context.Context, s *ble.Session, _ []string) error {
	fmt.Println("TimeFlip characteristics:")
	if name, err := s.DeviceName(ctx); err == nil {
		fmt.Println("- Name:", name)
	}
	if fw, err := s.FirmwareRevision(ctx); err == nil {
		fmt.Println("- Firmware:", fw)
	}
	if level, err := s.BatteryLevel(ctx); err == nil {
		fmt.Printf("- Battery: %d%%\n", level)
	}
	token, err := s.Calibration(ctx)
	if err != nil {
		return err
	}
	fmt.Println("- Calibration:", token)
	facet, err := s.CurrentFacet(ctx)
	if err != nil {
		return err
	}
	fmt.Println("- Current facet:", facet)
	v, err := s.Accelerometer(ctx)
	if err != nil {
		return err
	}
	x, y, z := v.G(1)
	fmt.Printf("- Accelerometer: %.3f, %.3f, %.3f G\n", x, y, z)
	st, err := s.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Println("- Status:", formatStatus(st))

	return runHistory(ctx, s, nil)
}

func runStatus(ctx context.Context, s *ble.Session, _ []string) error {
	st, err := s.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Println(formatStatus(st))
	return nil
}

func formatStatus(st protocol.Status) string {
	autoPause := "off"
	if st.AutoPauseMinutes > 0 {
		autoPause = fmt.Sprintf("%d min", st.AutoPauseMinutes)
	}
	return fmt.Sprintf("locked=%t paused=%t auto-pause=%s", st.Locked, st.Paused, autoPause)
}

func runHistory(ctx context.Context, s *ble.Session, _ []string) error {
	records, err := s.History(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("History (%d entries):\n", len(records))
	for _, r := range records {
		if r.Paused() {
			fmt.Printf("- Paused, during %s\n", time.Duration(r.Duration)*time.Second)
			continue
		}
		fmt.Printf("- Facet=%d, during %s\n", r.Facet, time.Duration(r.Duration)*time.Second)
	}
	return nil
}

func runSetName(ctx context.Context, s *ble.Session, args []string) error {
	if err := s.SetName(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Changed name to %q (reconnect to see it advertised)\n", args[0])
	return nil
}

func runSetPassword(ctx context.Context, s *ble.Session, args []string) error {
	if err := s.SetPassword(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Changed password to %q\n", args[0])
	return nil
}

func runAutoPause(ctx context.Context, s *ble.Session, args []string) error {
	minutes, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return fmt.Errorf("%w: auto-pause minutes: %v", errUsage, err)
	}
	if err := s.SetAutoPause(ctx, uint16(minutes)); err != nil {
		return err
	}
	if minutes == 0 {
		fmt.Println("Auto-pause disabled")
	} else {
		fmt.Printf("Auto-pause set to %d min\n", minutes)
	}
	return nil
}

func runCalibration(ctx context.Context, s *ble.Session, args []string) error {
	if len(args) == 1 {
		token, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return fmt.Errorf("%w: calibration value: %v", errUsage, err)
		}
		if err := s.SetCalibration(ctx, uint32(token)); err != nil {
			return err
		}
	}
	token, err := s.Calibration(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Calibration:", token)
	return nil
}

func runWatch(ctx context.Context, s *ble.Session, _ []string) error {
	fmt.Printf("Watching, current facet %d. Ctrl+C to quit.\n", s.LastFacet())
	notes := s.Notifications()
	for {
		select {
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			fmt.Printf("%s %s %d\n", n.At.Format(time.TimeOnly), n.Kind, n.Value)
		case <-ctx.Done():
			if dropped := s.DroppedNotifications(); dropped > 0 {
				fmt.Printf("%d notifications dropped\n", dropped)
			}
			return nil
		}
	}
}

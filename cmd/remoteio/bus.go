package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/config"
	"github.com/KevinKickass/OpenRemoteIO/internal/host"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
	"github.com/KevinKickass/OpenRemoteIO/internal/storage"
)

func openBus(ctx context.Context, cfg *config.Config) (canbus.Bus, error) {
	if cfg.Bus.Interface == canbus.InterfaceVirtual {
		return nil, fmt.Errorf("the virtual bus only exists inside serve, set bus.interface or CAN_INTERFACE")
	}
	return canbus.Open(ctx, cfg.Bus.Options(), nil)
}

func parseNode(s string) (protocol.NodeID, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || !protocol.NodeID(v).Valid() {
		return 0, fmt.Errorf("%w: %q", protocol.ErrInvalidNodeID, s)
	}
	return protocol.NodeID(v), nil
}

// send puts a single message on the bus without waiting for the node.
func send(args []string, name string, nargs int, build func(args []string) (protocol.Message, error)) error {
	fs, g := newFlagSet(name)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < nargs {
		return fmt.Errorf("missing arguments, see remoteio help")
	}
	logger := g.logger()
	defer logger.Sync()

	msg, err := build(fs.Args())
	if err != nil {
		return err
	}
	cfg, err := g.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Host.SendTimeout+time.Second)
	defer cancel()
	bus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	f, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	sctx, scancel := context.WithTimeout(ctx, cfg.Host.SendTimeout)
	defer scancel()
	if err := bus.Send(sctx, f); err != nil {
		return err
	}
	logger.Debug("Frame sent", zap.Stringer("frame", f))
	return nil
}

func runOutput(args []string) error {
	return send(args, "output", 2, func(a []string) (protocol.Message, error) {
		id, err := parseNode(a[0])
		if err != nil {
			return nil, err
		}
		mask, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(a[1]), "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex mask %q", a[1])
		}
		fmt.Printf("Setting node %d output state to %08b\n", id, mask)
		return protocol.OutputCommand{NodeID: id, Mask: uint8(mask)}, nil
	})
}

func runClearErrors(args []string) error {
	return send(args, "clear-errors", 1, func(a []string) (protocol.Message, error) {
		id, err := parseNode(a[0])
		if err != nil {
			return nil, err
		}
		return protocol.ClearErrors{NodeID: id}, nil
	})
}

func runCommand(args []string) error {
	return send(args, "command", 2, func(a []string) (protocol.Message, error) {
		id, err := parseNode(a[0])
		if err != nil {
			return nil, err
		}
		code, err := protocol.ParseCommandCode(a[1])
		if err != nil {
			return nil, err
		}
		var arg uint64
		if len(a) > 2 {
			if arg, err = strconv.ParseUint(a[2], 0, 32); err != nil {
				return nil, fmt.Errorf("invalid argument %q", a[2])
			}
		}
		return protocol.Command{NodeID: id, Code: code, Argument: uint32(arg)}, nil
	})
}

// runInspect prints every frame of one node with its decoded form.
func runInspect(args []string) error {
	fs, g := newFlagSet("inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: remoteio inspect NODE")
	}
	id, err := parseNode(fs.Arg(0))
	if err != nil {
		return err
	}
	logger := g.logger()
	defer logger.Sync()
	cfg, err := g.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	bus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	filter := protocol.ByNode(id)
	enc := json.NewEncoder(os.Stdout)
	for f, err := range canbus.Frames(ctx, bus) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !filter(f) {
			continue
		}
		text, _ := f.MarshalText()
		msg, derr := protocol.Decode(f)
		if derr != nil {
			fmt.Printf("%s  %-15s error: %v\n", time.Now().Format("15:04:05.000"), text, derr)
			continue
		}
		fmt.Printf("%s  %-15s %-14s ", time.Now().Format("15:04:05.000"), text, msg.Kind())
		if err := enc.Encode(msg); err != nil {
			return err
		}
	}
	return nil
}

func runMonitor(args []string) error {
	fs, g := newFlagSet("monitor")
	interval := fs.Duration("interval", time.Second, "table refresh interval")
	journal := fs.Bool("journal", false, "record frames to the database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := g.logger()
	defer logger.Sync()
	cfg, err := g.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	bus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	mon := host.NewMonitor(logger)
	if *journal {
		j, closeDB, err := openJournal(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeDB()
		mon.OnFrame = func(f canbus.Frame, _ protocol.Message, _ error) { j.Record(f) }
	}

	mux := canbus.NewMux(bus, logger)
	defer mux.Close()
	frames, unsubscribe := mux.Subscribe(nil, 256)
	defer unsubscribe()
	go mon.Run(ctx, frames)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mux.Done():
			return mux.Err()
		case <-ticker.C:
			// Bildschirm leeren
			fmt.Print("\033[H\033[2J")
			if err := host.WriteTable(os.Stdout, mon.Table()); err != nil {
				return err
			}
			fmt.Printf("\nmalformed: %d\n", mon.Malformed())
		}
	}
}

func openJournal(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage.Journal, func(), error) {
	db, err := storage.NewPostgresClient(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	session, err := db.StartSession(ctx, cfg.Bus.Interface, cfg.Bus.Channel)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	j := storage.NewJournal(db, session.ID, cfg.Database.FlushInterval, cfg.Database.BatchSize, logger.Named("journal"))
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go j.Run(jctx)
	return j, func() {
		cancel()
		j.Wait()
		db.Close()
	}, nil
}

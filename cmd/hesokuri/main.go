package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/runt18/hesokuri"
	"github.com/runt18/hesokuri/internal/debounce"
)

var log = logrus.New()
var configPath string
var logLevel string

// configReloadDelay lets editors finish their write-rename dance before the
// configuration is re-read.
const configReloadDelay = time.Second

func buildSwarm() (*hesokuri.Swarm, error) {
	cfg, err := hesokuri.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return hesokuri.NewSwarm(cfg, nil, log.WithField("context", "swarm"))
}

// watchConfig signals reloads when the configuration file changes. The watch
// is on the directory: editors and config management replace the file by
// rename, which a watch on the file itself would lose.
func watchConfig(path string, reloads chan<- struct{}) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	deb := debounce.New(configReloadDelay, func() {
		select {
		case reloads <- struct{}{}:
		default:
		}
	})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				deb.Trigger()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("Config watcher error: %v", err)
			}
		}
	}()
	stop := func() {
		deb.Stop()
		watcher.Close()
	}
	return stop, nil
}

// reloadSwarm swaps the running swarm for one built from the current
// configuration. A broken configuration leaves the current swarm running.
func reloadSwarm(current *hesokuri.Swarm) *hesokuri.Swarm {
	replacement, err := buildSwarm()
	if err != nil {
		log.Warnf("Ignoring config change: %v", err)
		return current
	}
	if err := current.Stop(); err != nil {
		log.Warnf("Errors while stopping the previous swarm: %v", err)
	}
	if err := replacement.Start(); err != nil {
		log.Warnf("Initial sync reported errors: %v", err)
	}
	log.Infof("Configuration reloaded from %s", configPath)
	return replacement
}

func runDaemon(*cli.Context) error {
	swarm, err := buildSwarm()
	if err != nil {
		return err
	}
	if err := swarm.Start(); err != nil {
		log.Warnf("Initial sync reported errors: %v", err)
	}

	reloads := make(chan struct{}, 1)
	stopWatch, err := watchConfig(configPath, reloads)
	if err != nil {
		log.Warnf("Config watching disabled: %v", err)
	} else {
		defer stopWatch()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigs:
			log.Infof("Received OS signal %s. Terminating", sig.String())
			return swarm.Stop()
		case <-reloads:
			swarm = reloadSwarm(swarm)
		}
	}
}

func runOnce(*cli.Context) error {
	swarm, err := buildSwarm()
	if err != nil {
		return err
	}
	return multierr.Combine(swarm.RunOnce(), swarm.Stop())
}

func validate(*cli.Context) error {
	cfg, err := hesokuri.LoadConfig(configPath)
	if err != nil {
		return err
	}
	identity, err := cfg.ResolveIdentity()
	if err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", configPath)
	fmt.Printf("identity: %s\n", identity)
	for _, src := range cfg.Sources {
		name := src.Name
		path, hosted := src.HostToPath[identity]
		if name == "" {
			if hosted {
				name = filepath.Base(path)
			} else {
				name = "(unnamed)"
			}
		}
		if hosted {
			fmt.Printf("source %s: %s (%d hosts)\n", name, path, len(src.HostToPath))
		} else {
			fmt.Printf("source %s: not hosted here (%d hosts)\n", name, len(src.HostToPath))
		}
	}
	return nil
}

func main() {
	funcBefore := func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("failed to parse log level: %v", err)
		}
		log.SetLevel(level)
		return nil
	}

	app := &cli.App{
		Name:  "hesokuri",
		Usage: "distributes git repositories among your own machines",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       hesokuri.DefaultConfigPath(),
				Usage:       "configuration file ($" + hesokuri.ConfigEnvVar + " overrides the default)",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Value:       "info",
				Usage:       "logging level",
				Destination: &logLevel,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "sync continuously, watching repositories and the configuration",
				Before: funcBefore,
				Action: runDaemon,
			},
			{
				Name:   "once",
				Usage:  "run a single sync cycle and exit",
				Before: funcBefore,
				Action: runOnce,
			},
			{
				Name:   "validate",
				Usage:  "check the configuration and print what it means for this host",
				Before: funcBefore,
				Action: validate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

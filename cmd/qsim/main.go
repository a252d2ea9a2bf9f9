package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/qsimhost/qsim/internal/coherence"
	"github.com/qsimhost/qsim/internal/emulator"
	"github.com/qsimhost/qsim/internal/equeue"
	"github.com/qsimhost/qsim/internal/qconfig"
	"github.com/qsimhost/qsim/internal/qlog"
	"github.com/qsimhost/qsim/internal/qscript"
	"github.com/qsimhost/qsim/internal/qtui"
	"github.com/qsimhost/qsim/internal/qui"
	"github.com/qsimhost/qsim/internal/osdomain"
)

var (
	configPath string
	ncpusFlag  uint16
	ramMBFlag  uint
	kernelFlag string
	backend    string
	scriptFlag string
	debugFlag  bool
	monitorUI  bool
	runFor     uint64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qsim",
		Short: "Boot and drive a multi-core x86 functional simulation",
		Long: `qsim boots a Linux kernel image under a functional x86 simulator,
optionally attaching a scripting hook and a live terminal monitor, and can
checkpoint or restore a running simulation's full state.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML boot config")
	rootCmd.PersistentFlags().Uint16Var(&ncpusFlag, "ncpus", 0, "number of CPUs (overrides config)")
	rootCmd.PersistentFlags().UintVar(&ramMBFlag, "ram-mb", 0, "RAM size in MiB (overrides config)")
	rootCmd.PersistentFlags().StringVar(&kernelFlag, "kernel", "", "bzImage kernel path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "execution backend: dll, unicorn, fake (overrides config)")
	rootCmd.PersistentFlags().StringVar(&scriptFlag, "script", "", "attach a .js or .lua scripting hook (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	bootCmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot a fresh Domain and run it",
		RunE:  runBoot,
	}
	bootCmd.Flags().BoolVar(&monitorUI, "monitor", false, "attach the live terminal monitor")
	bootCmd.Flags().Uint64Var(&runFor, "run-for", 0, "stop after this many instructions in total across all CPUs (0 = run until app-end)")
	rootCmd.AddCommand(bootCmd)

	restoreCmd := &cobra.Command{
		Use:   "restore <checkpoint>",
		Short: "Restore a Domain from a checkpoint file and run it",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	}
	restoreCmd.Flags().BoolVar(&monitorUI, "monitor", false, "attach the live terminal monitor")
	restoreCmd.Flags().Uint64Var(&runFor, "run-for", 0, "stop after this many instructions in total across all CPUs (0 = run until app-end)")
	rootCmd.AddCommand(restoreCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "checkpoint <output-file>",
		Short: "Boot a fresh Domain, run until app-end, and save a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpoint,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, qui.Warn(err.Error()))
		os.Exit(1)
	}
}

func loadConfig() (qconfig.Config, error) {
	cfg, err := qconfig.Load(configPath)
	if err != nil {
		return cfg, err
	}

	overrides := qconfig.Overrides{Debug: &debugFlag}
	if ncpusFlag != 0 {
		overrides.NCPUs = &ncpusFlag
	}
	if ramMBFlag != 0 {
		overrides.RAMMB = &ramMBFlag
	}
	if kernelFlag != "" {
		overrides.Kernel = &kernelFlag
	}
	if backend != "" {
		overrides.Backend = &backend
	}
	if scriptFlag != "" {
		overrides.Script = &scriptFlag
	}
	cfg = cfg.Apply(overrides)
	return cfg, cfg.Validate()
}

func factoryFor(cfg qconfig.Config) (emulator.Factory, error) {
	switch cfg.Backend {
	case qconfig.BackendDLL, "":
		return emulator.NewDLFactory(), nil
	case qconfig.BackendUnicorn:
		return emulator.NewUnicornFactory(), nil
	case qconfig.BackendFake:
		return emulator.NewFakeFactory(), nil
	default:
		return nil, fmt.Errorf("qsim: unknown backend %q", cfg.Backend)
	}
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	qlog.Init(cfg.Debug)

	factory, err := factoryFor(cfg)
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(-1, fmt.Sprintf("boot %s", cfg.Kernel))
	domain, err := osdomain.New(factory, cfg.NCPUs, cfg.Kernel, cfg.RAMMB)
	bar.Close()
	if err != nil {
		return fmt.Errorf("qsim: boot: %w", err)
	}
	defer domain.Close()

	return driveDomain(domain, cfg)
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := qconfig.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Checkpoint = args[0]
	if backend != "" {
		cfg.Backend = qconfig.Backend(backend)
	}
	if scriptFlag != "" {
		cfg.Script = scriptFlag
	}
	cfg.Debug = debugFlag
	qlog.Init(cfg.Debug)

	factory, err := factoryFor(cfg)
	if err != nil {
		return err
	}

	f, err := os.Open(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("qsim: open checkpoint: %w", err)
	}
	defer f.Close()

	domain, err := osdomain.Restore(factory, f)
	if err != nil {
		return fmt.Errorf("qsim: restore: %w", err)
	}
	defer domain.Close()

	return driveDomain(domain, cfg)
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	qlog.Init(cfg.Debug)

	factory, err := factoryFor(cfg)
	if err != nil {
		return err
	}

	domain, err := osdomain.New(factory, cfg.NCPUs, cfg.Kernel, cfg.RAMMB)
	if err != nil {
		return fmt.Errorf("qsim: boot: %w", err)
	}
	defer domain.Close()

	done := make(chan struct{})
	domain.SetAppEndCB(func(int) { close(done) })

	go runLoop(domain, 0)
	<-done

	out, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("qsim: create checkpoint file: %w", err)
	}
	defer out.Close()

	if err := domain.SaveState(out); err != nil {
		return fmt.Errorf("qsim: save checkpoint: %w", err)
	}
	fmt.Println(qui.Good(fmt.Sprintf("checkpoint written to %s", args[0])))
	return nil
}

// driveDomain attaches the optional script and coherence directory, starts
// the scheduling loop, and either runs the monitor TUI in the foreground or
// writes console output directly to stdout.
func driveDomain(domain *osdomain.Domain, cfg qconfig.Config) error {
	dir := coherence.NewDirectory(12, 64, cfg.Debug) // 4KiB lines, 64 banks
	defer dir.Close()

	var engine qscript.Engine
	if cfg.Script != "" {
		e, err := qscript.Load(cfg.Script)
		if err != nil {
			return err
		}
		engine = e
		domain.AttachScript(engine)
		defer engine.Close()
	}

	var eventQueues []*equeue.Queue
	queueDone := make(chan struct{})
	for i := 0; i < domain.NumCPUs(); i++ {
		q := equeue.NewQueue(domain, i, true)
		eventQueues = append(eventQueues, q)
		go drainQueue(q, i, dir, queueDone)
	}
	defer func() {
		close(queueDone)
		for _, q := range eventQueues {
			q.Close()
		}
	}()

	done := make(chan struct{})
	var closeOnce bool
	domain.SetAppEndCB(func(int) {
		if !closeOnce {
			closeOnce = true
			close(done)
		}
	})

	if monitorUI {
		go runLoop(domain, runFor)
		return qtui.Run(domain, 200*time.Millisecond)
	}

	domain.AddConsole(io.Writer(os.Stdout))
	go runLoop(domain, runFor)
	<-done
	return nil
}

// drainQueue feeds one CPU's memory-access events into the shared coherence
// directory, tracking which CPUs have touched which cache lines.
func drainQueue(q *equeue.Queue, cpu int, dir *coherence.Directory, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, item := range q.Items() {
				if item.Kind != equeue.KindMem {
					continue
				}
				dir.LockAddr(item.Paddr, cpu)
				dir.AddAddr(item.Paddr, cpu)
				dir.UnlockAddr(item.Paddr, cpu)
			}
		}
	}
}

// runLoop round-robins Run across every CPU and ticks the timer
// periodically, stopping after limit instructions in total across all CPUs
// (0 = run until every CPU reports not-running, i.e. app-end).
func runLoop(domain *osdomain.Domain, limit uint64) {
	const sliceSize = 1024
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var executed uint64
	for {
		select {
		case <-ticker.C:
			domain.TimerInterrupt()
		default:
		}

		anyRunning := false
		for i := 0; i < domain.NumCPUs(); i++ {
			if !domain.IsRunning(i) {
				continue
			}
			anyRunning = true
			n, err := domain.Run(i, sliceSize)
			if err != nil {
				return
			}
			executed += n
		}
		if !anyRunning {
			return
		}
		if limit != 0 && executed >= limit {
			return
		}
	}
}

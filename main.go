// Package main implements the entry point for cardfleet, a removable-device
// clone engine.
//
// This package handles:
//   - Privilege elevation and root access verification
//   - Single instance checking to prevent concurrent clone runs
//   - System dependency validation (lsblk, sfdisk, parted, e2fsprogs, ...)
//   - Signal handling for clean shutdown with source restoration
//   - The target-collection TUI and the clone pipeline
//
// Writing partition tables and raw device data requires root privileges.
// When not running as root, the program re-executes itself with sudo.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sys/unix"

	"cardfleet/internal/blockdev"
	"cardfleet/internal/config"
	"cardfleet/internal/fstool"
	"cardfleet/internal/layout"
	"cardfleet/internal/mountpoint"
	"cardfleet/internal/orchestrator"
	"cardfleet/internal/ptable"
	"cardfleet/internal/runner"
	"cardfleet/internal/shrink"
	"cardfleet/internal/strategy"
	"cardfleet/internal/ui"
	"cardfleet/internal/validate"
	"cardfleet/internal/watcher"
)

// Version is the release version, overridden at build time.
var Version = "dev"

// lockFilePath defines the location of the singleton instance lock file.
// Concurrent clone runs would race over the same devices.
const lockFilePath = "/tmp/cardfleet.lock"

func main() {
	if os.Geteuid() != 0 {
		if err := elevateToRoot(); err != nil {
			fmt.Printf("❌ Failed to elevate privileges: %v\n", err)
			os.Exit(1)
		}
		// elevateToRoot re-execs with sudo, so we never reach here
		return
	}
	runAsRoot()
}

// elevateToRoot re-executes the program with sudo, preserving all arguments.
// Silent on success; messages only appear when sudo fails.
func elevateToRoot() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %v", err)
	}
	if !runner.LookPath("sudo") {
		return fmt.Errorf("sudo is required but not available")
	}

	args := append([]string{execPath}, os.Args[1:]...)
	cmd := exec.Command("sudo", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err = cmd.Run()
	if err != nil {
		fmt.Println("🔒 cardfleet requires administrator privileges")
		fmt.Println("📋 Needed for: partition table rewrites, raw device writes, mounting")
		if exitError, ok := err.(*exec.ExitError); ok {
			os.Exit(exitError.ExitCode())
		}
		return fmt.Errorf("sudo execution failed: %v", err)
	}
	os.Exit(0)
	return nil // never reached
}

// checkSingleInstance verifies no other cardfleet process is running, cleaning
// up stale lock files whose PID no longer exists.
func checkSingleInstance() error {
	if _, err := os.Stat(lockFilePath); err == nil {
		lockContent, readErr := os.ReadFile(lockFilePath)
		if readErr == nil {
			pid := strings.TrimSpace(string(lockContent))
			if pidInt, err := strconv.Atoi(pid); err == nil {
				if process, err := os.FindProcess(pidInt); err == nil {
					// Signal 0 checks for existence without side effects.
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("another cardfleet process is already running (PID: %s)", pid)
					}
				}
			}
		}
		os.Remove(lockFilePath)
	}
	return nil
}

func createInstanceLock() error {
	return os.WriteFile(lockFilePath, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func removeInstanceLock() {
	os.Remove(lockFilePath)
}

// checkSystemDependencies validates the external tools the engine shells out
// to. Strategy-specific tools are only required for the strategy in use.
func checkSystemDependencies(strategyName string) error {
	required := []struct {
		name    string
		purpose string
	}{
		{"lsblk", "device and partition discovery"},
		{"blkid", "filesystem probing"},
		{"sfdisk", "partition table replication"},
		{"parted", "partition resizing"},
		{"wipefs", "target signature wiping"},
		{"partprobe", "partition table reload"},
		{"udevadm", "device event settling"},
		{"blockdev", "device capacity and buffer flushing"},
		{"e2fsck", "filesystem checking"},
		{"resize2fs", "filesystem resizing"},
		{"tune2fs", "filesystem geometry"},
		{"umount", "unmounting"},
		{"mount", "mounting"},
	}
	switch strategyName {
	case "file", "file-sync":
		required = append(required,
			struct{ name, purpose string }{"rsync", "file-level replication"},
			struct{ name, purpose string }{"mkfs.ext4", "target formatting"})
	case "image", "image-stream":
		required = append(required,
			struct{ name, purpose string }{"fsarchiver", "filesystem image streaming"})
	}

	var missing []string
	for _, prog := range required {
		if !runner.LookPath(prog.name) {
			missing = append(missing, fmt.Sprintf("   • %s (%s)", prog.name, prog.purpose))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required programs:\n%s\n\n🔧 Install them with your package manager, e.g.\n   sudo apt install util-linux parted e2fsprogs rsync fsarchiver",
			strings.Join(missing, "\n"))
	}
	return nil
}

// runAsRoot contains the pipeline once privileges, locking and dependencies
// are settled.
func runAsRoot() {
	var (
		threads      = flag.Int("threads", 0, "concurrent clone jobs (0 = sequential)")
		strategyName = flag.String("strategy", "", "clone strategy: block, file or image")
		skipZeroFill = flag.Bool("skip-zerofill", false, "skip the pre-shrink zero-fill pass")
		strict       = flag.Bool("strict", false, "fail instead of guessing when layout detection is ambiguous")
		copyWorkers  = flag.Int("workers", 0, "use the built-in parallel file copier with N workers (file strategy)")
		configPath   = flag.String("config", "", "profile path (default ~/.config/cardfleet/profile.yaml)")
		dryRun       = flag.Bool("dry-run", false, "report layout and admission, then exit without writing")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] <source-device-or-image> [target-device ...]\n\n"+
				"Clones a source SD card, disk or image file onto every target.\n"+
				"Without explicit targets, newly inserted cards are detected automatically.\n\n",
			os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("cardfleet %s\n", Version)
		return
	}
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	source := flag.Arg(0)
	explicitTargets := flag.Args()[1:]

	profile, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	if *threads == 0 {
		*threads = profile.Threads
	}
	if *strategyName == "" {
		*strategyName = profile.Strategy
	}
	if !*skipZeroFill {
		*skipZeroFill = profile.SkipZeroFill
	}
	if !*strict {
		*strict = profile.StrictLayout
	}
	if *copyWorkers == 0 {
		*copyWorkers = profile.CopyWorkers
	}

	if err := checkSingleInstance(); err != nil {
		fmt.Println("⚠️  " + err.Error())
		fmt.Println("💡 If no other cardfleet is running: sudo rm " + lockFilePath)
		os.Exit(1)
	}
	if err := createInstanceLock(); err != nil {
		fmt.Printf("❌ Failed to create instance lock: %v\n", err)
		os.Exit(1)
	}
	defer removeInstanceLock()

	if err := checkSystemDependencies(*strategyName); err != nil {
		fmt.Printf("❌ Dependency check failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\n🛑 Interrupt received, finishing cleanup...")
		cancel()
		<-sigs
		removeInstanceLock()
		os.Exit(1)
	}()

	logPath := config.LogFilePath()
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Printf("❌ Cannot open log file %s: %v\n", logPath, err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := log.New(logFile, "", log.LstdFlags)
	logf := logger.Printf

	if err := run(ctx, runOptions{
		source:       source,
		targets:      explicitTargets,
		threads:      *threads,
		strategy:     *strategyName,
		skipZeroFill: *skipZeroFill,
		strict:       *strict,
		copyWorkers:  *copyWorkers,
		dryRun:       *dryRun,
		tuning: shrink.Tuning{
			GuardBandBytes:    profile.GuardBandBytes,
			SafetyBufferBytes: profile.SafetyBufferBytes,
		},
		logf: logf,
	}); err != nil {
		logf("run failed: %v", err)
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	source       string
	targets      []string
	threads      int
	strategy     string
	skipZeroFill bool
	strict       bool
	copyWorkers  int
	dryRun       bool
	tuning       shrink.Tuning
	logf         func(format string, args ...any)
}

// run drives the clone pipeline: source resolution, layout detection, target
// collection, admission, optional shrink, the fan-out and the summary.
func run(ctx context.Context, opts runOptions) error {
	cmd := &runner.Exec{Logf: opts.logf}
	enum := blockdev.New(cmd)
	ext := &fstool.ExtTool{Cmd: cmd}
	mounts := &mountpoint.Manager{Cmd: cmd, Logf: opts.logf}

	source, cleanup, err := resolveSource(ctx, enum, opts.source)
	if err != nil {
		return err
	}
	defer cleanup()

	detector := &layout.Detector{Enum: enum, Ext: ext, Strict: opts.strict}
	lay, err := detector.Detect(ctx, source)
	if err != nil {
		return fmt.Errorf("detecting source layout: %w", err)
	}
	fmt.Println(ui.LayoutReport(lay))
	opts.logf("source %s: root %s (%s), requires %d bytes", lay.SourceDisk, lay.Root.Path, lay.Root.Fstype, lay.RequiredBytes)

	targets := opts.targets
	if len(targets) == 0 && !opts.dryRun {
		targets, err = collectTargets(ctx, enum, lay)
		if err != nil {
			return err
		}
	}
	if len(targets) == 0 && !opts.dryRun {
		return fmt.Errorf("no target devices")
	}

	validator := &validate.Validator{Enum: enum}
	verdicts, err := validator.Admit(ctx, lay, targets)
	if err != nil {
		return err
	}
	fmt.Println(ui.AdmissionReport(verdicts))
	if opts.dryRun {
		return nil
	}

	admitted := validate.Admitted(verdicts)
	if len(admitted) == 0 {
		return fmt.Errorf("no admitted targets")
	}
	minTarget, _ := validate.MinCapacity(verdicts)

	// A mounted source filesystem would be shrunk or read while live.
	mounted, err := mountpoint.MountedUnder(ctx, lay.SourceDisk)
	if err != nil {
		return err
	}
	if mounted {
		return fmt.Errorf("source %s has mounted filesystems, unmount them before cloning", lay.SourceDisk)
	}

	// Explicitly listed targets skip the collection screen, so the last
	// non-destructive moment to abort is here.
	if len(opts.targets) > 0 {
		fmt.Printf("⚠️  About to overwrite %d device(s). Press Enter to continue, Ctrl-C to abort. ", len(admitted))
		if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
			return fmt.Errorf("aborted before cloning")
		}
	}

	plan, err := shrink.Decide(lay, minTarget, opts.tuning)
	if err != nil {
		return err
	}
	if plan.Needed {
		fmt.Println(ui.ShrinkNotice(minTarget))
	}

	deps := strategy.Deps{
		Cmd:    cmd,
		Enum:   enum,
		Mounts: mounts,
		Build:  &ptable.Builder{Cmd: cmd, Enum: enum},
		Ext:    ext,
		Format: &fstool.Formatter{Cmd: cmd},
		Logf:   opts.logf,
	}
	strat, err := strategy.New(opts.strategy, deps)
	if err != nil {
		return err
	}
	if fs, ok := strat.(*strategy.FileSync); ok {
		fs.CopyWorkers = opts.copyWorkers
	}

	printer := &ui.RunPrinter{Print: func(line string) { fmt.Println(line) }}
	orch := &orchestrator.Orchestrator{
		Strategy: strat,
		Threads:  opts.threads,
		Notify:   printer.Notify,
		Logf:     opts.logf,
	}

	executor := &shrink.Executor{
		Cmd:          cmd,
		Enum:         enum,
		Ext:          ext,
		SkipZeroFill: opts.skipZeroFill,
		Tuning:       opts.tuning,
		Logf:         opts.logf,
	}

	var results []orchestrator.Result
	err = executor.Run(ctx, lay, plan, func(ctx context.Context, res shrink.Result) error {
		// The file strategy reads through one shared read-only source mount,
		// held across the whole fan-out and released before the restore.
		if fs, ok := strat.(*strategy.FileSync); ok {
			release, perr := fs.PrepareSource(ctx, lay)
			if perr != nil {
				return perr
			}
			defer release()
		}
		var runErr error
		results, runErr = orch.Run(ctx, lay, res.NewRootEndByte, admitted)
		return runErr
	})
	if err != nil {
		return err
	}

	fmt.Println(ui.Summary(results))
	unix.Sync()
	if orchestrator.Failed(results) > 0 {
		return fmt.Errorf("%d clone(s) failed, see %s", orchestrator.Failed(results), config.LogFilePath())
	}
	return nil
}

// resolveSource normalizes the source argument. Image files are attached to
// a loop device for the duration of the run; the cleanup always detaches.
func resolveSource(ctx context.Context, enum *blockdev.Enumerator, source string) (string, func(), error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", nil, fmt.Errorf("source %s: %w", source, err)
	}
	if info.Mode().IsRegular() {
		loopDev, err := enum.AttachLoop(ctx, source)
		if err != nil {
			return "", nil, err
		}
		fmt.Printf("💿 Attached %s as %s\n", source, loopDev)
		return loopDev, func() {
			if derr := enum.DetachLoop(context.WithoutCancel(ctx), loopDev); derr != nil {
				fmt.Printf("⚠️  Failed to detach %s: %v\n", loopDev, derr)
			}
		}, nil
	}
	return source, func() {}, nil
}

// collectTargets runs the insertion-watcher TUI until the user confirms the
// inserted set.
func collectTargets(ctx context.Context, enum *blockdev.Enumerator, lay layout.Layout) ([]string, error) {
	w := watcher.New(enum, lay.SourceDisk)
	if err := w.Baseline(ctx); err != nil {
		return nil, fmt.Errorf("reading disk inventory: %w", err)
	}

	model := ui.NewCollect(ctx, w, lay.SourceDisk, lay.RequiredBytes)
	p := tea.NewProgram(model)
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	m := final.(ui.CollectModel)
	if m.Err != nil {
		return nil, m.Err
	}
	if !m.Confirmed {
		return nil, fmt.Errorf("aborted before cloning")
	}
	return m.Targets(), nil
}

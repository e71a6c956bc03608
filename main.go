package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/smart-vision/config"
)

// Version is the application version.
const Version = "0.1.0"

type rootOptions struct {
	configPath string
	addr       string
	device     int
	logLevel   string
}

var rootOpts rootOptions

var rootCmd = &cobra.Command{
	Use:          "smartvision",
	Short:        AppTitle,
	Long:         AppTitle + ": webcam object tracking, instance segmentation and pose estimation in the browser.",
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootOpts.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&rootOpts.addr, "addr", "", "HTTP listen address (overrides server.addr)")
	flags.IntVar(&rootOpts.device, "device", 0, "camera index (overrides capture.device)")
	flags.StringVar(&rootOpts.logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")

	rootCmd.AddCommand(newServeCmd(), newAnnotateCmd(), newDevicesCmd(), newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "smartvision %s\n%s\n", Version, AppCredit)
		},
	}
}

// loadConfig reads --config and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(rootOpts.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = rootOpts.addr
	}
	if flags.Changed("device") {
		cfg.Capture.Device = rootOpts.device
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = rootOpts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultRuntimeLib() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// initRuntime loads the ONNX Runtime shared library. The caller must call
// ort.DestroyEnvironment when it succeeds.
func initRuntime(lib string) error {
	if lib == "" {
		lib = defaultRuntimeLib()
	}
	ort.SetSharedLibraryPath(lib)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment from %s: %w", lib, err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

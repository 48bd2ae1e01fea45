package cmd

import (
	"fmt"
	"os"

	internalCmd "github.com/alptrack/alptrack/internal/cmd"
	"github.com/alptrack/alptrack/internal/config"
	"github.com/spf13/cobra"
)

var (
	LogLevel   string
	ConfigFile string

	analyzeLogDir    string
	analyzeScorePath string
	analyzeOutput    string

	watchLogDir   string
	watchSchedule string
	watchOutput   string

	followStream    string
	followFromStart bool

	importInput      string
	importFormat     string
	importPattern    string
	importTimeLayout string
	importRunID      string

	statesStatus string
)

var rootCmd = &cobra.Command{
	Use:   "alptrack",
	Short: "alptrack drives and observes adaptive learning runs",
	Long:  "Alptrack drives adaptive learning loops around an external step program, records per-iteration results and ships them to downstream sinks.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the adaptive learning loop",
	Run: func(cmd *cobra.Command, args []string) {
		loop := internalCmd.Loop{
			ConfigFile: ConfigFile,
			LogLevel:   LogLevel,
		}
		loop.Run()
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarize recorded run logs into a performance report",
	Run: func(cmd *cobra.Command, args []string) {
		analyze := internalCmd.Analyze{
			ConfigFile: ConfigFile,
			LogLevel:   LogLevel,
			LogDir:     analyzeLogDir,
			ScorePath:  analyzeScorePath,
			Output:     analyzeOutput,
		}
		analyze.Run()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously re-analyze run logs as they change",
	Run: func(cmd *cobra.Command, args []string) {
		watch := internalCmd.Watch{
			ConfigFile: ConfigFile,
			LogLevel:   LogLevel,
			LogDir:     watchLogDir,
			Schedule:   watchSchedule,
			Output:     watchOutput,
		}
		watch.Run()
	},
}

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Tail a run's stream file and print progress live",
	Run: func(cmd *cobra.Command, args []string) {
		follow := internalCmd.Follow{
			ConfigFile: ConfigFile,
			LogLevel:   LogLevel,
			Stream:     followStream,
			FromStart:  followFromStart,
		}
		follow.Run()
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Convert a foreign log file into a native run log",
	Run: func(cmd *cobra.Command, args []string) {
		imp := internalCmd.Import{
			ConfigFile: ConfigFile,
			LogLevel:   LogLevel,
			Input:      importInput,
			Format:     importFormat,
			Pattern:    importPattern,
			TimeLayout: importTimeLayout,
			RunID:      importRunID,
		}
		imp.Run()
	},
}

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "List persisted iteration states",
	Run: func(cmd *cobra.Command, args []string) {
		states := internalCmd.States{
			ConfigFile: ConfigFile,
			LogLevel:   LogLevel,
			Status:     statesStatus,
		}
		states.Run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&LogLevel, "log-level", "info", "Toggle verbose output")
	rootCmd.PersistentFlags().StringVar(&ConfigFile, "config-file", config.DefaultConfigPath, "Config file for alptrack")

	analyzeCmd.Flags().StringVar(&analyzeLogDir, "log-dir", "", "Directory holding run logs. Defaults to global.log_directory")
	analyzeCmd.Flags().StringVar(&analyzeScorePath, "score-path", "", "Dot-delimited path to the score inside each entry")
	analyzeCmd.Flags().StringVar(&analyzeOutput, "output", "", "File to save the generated report to")

	watchCmd.Flags().StringVar(&watchLogDir, "log-dir", "", "Directory holding run logs. Defaults to global.log_directory")
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "Cron expression for periodic re-analysis")
	watchCmd.Flags().StringVar(&watchOutput, "output", "", "File the refreshed report is written to")

	followCmd.Flags().StringVar(&followStream, "stream", "", "Stream file to follow. Defaults to run.stream_file")
	followCmd.Flags().BoolVar(&followFromStart, "from-start", false, "Read the stream from the beginning instead of the saved offset")

	importCmd.Flags().StringVar(&importInput, "input", "", "Foreign log file to convert")
	importCmd.Flags().StringVar(&importFormat, "format", "json", "Input format. Eligible values are \"json\", \"pattern\", \"syslog-rfc5424\", \"syslog-rfc3164\"")
	importCmd.Flags().StringVar(&importPattern, "pattern", "", "Line pattern with $field placeholders, required for the pattern format")
	importCmd.Flags().StringVar(&importTimeLayout, "time-layout", "", "Go time layout for captured time fields")
	importCmd.Flags().StringVar(&importRunID, "run-id", "", "Run ID for the imported log. Defaults to the input's base name")
	importCmd.MarkFlagRequired("input")

	statesCmd.Flags().StringVar(&statesStatus, "status", "", "Only list states with this status, e.g. COMPLETED or FAILED")

	rootCmd.AddCommand(runCmd, analyzeCmd, watchCmd, followCmd, importCmd, statesCmd, versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

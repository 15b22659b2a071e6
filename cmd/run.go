package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudslave/internal/logging"
	"cloudslave/internal/manager"
	"cloudslave/internal/model"
)

var (
	runInputFile string
	runParallel  int
	runTimeout   time.Duration
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <reservation id> -- <command>",
	Short: "Run a command on every slave of a reservation",
	Long: `Run a shell command on every slave of a READY reservation. Output lines
are prefixed with the slave name. The command is a Go template rendered per
slave, e.g. "hostname > /tmp/{{.Slave.Index}}-of-{{.Reservation.Size}}".
The command fails if any slave fails.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		var input []byte
		if runInputFile != "" {
			data, err := os.ReadFile(runInputFile)
			if err != nil {
				logging.Logger().Fatal("Failed to read input file", zap.Error(err))
			}
			input = data
		}

		ctx := cmd.Context()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}

		r, err := a.registry.Reservation(ctx, args[0])
		if err != nil {
			logging.Logger().Fatal("Failed to load reservation", zap.Error(err))
		}
		if state := r.State(); state != model.StateReady {
			logging.Logger().Fatal("Reservation is not ready", zap.Stringer("state", state))
		}

		command := strings.Join(args[1:], " ")
		if err := runOnSlaves(ctx, r, command, input, runParallel, os.Stdout); err != nil {
			logging.Logger().Fatal("Command failed", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runInputFile, "input", "i", "", "File written to the command's stdin")
	runCmd.Flags().IntVarP(&runParallel, "parallel", "p", 10, "Slaves driven concurrently")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Overall deadline (none when zero)")
}

// forEachSlave runs fn for every slave of r on a pool of parallel workers and
// joins the failures.
func forEachSlave(ctx context.Context, r *manager.Reservation, parallel int, fn func(int, *manager.Slave) error) error {
	slaves, err := r.Slaves(ctx)
	if err != nil {
		return err
	}
	if len(slaves) == 0 {
		return fmt.Errorf("reservation %s has no slaves", r.ID())
	}

	pool := pond.NewPool(max(1, min(parallel, len(slaves))))
	defer pool.StopAndWait()

	tasks := make([]pond.Task, 0, len(slaves))
	for i, slave := range slaves {
		i, slave := i, slave
		tasks = append(tasks, pool.SubmitErr(func() error {
			if err := fn(i, slave); err != nil {
				return fmt.Errorf("%s: %w", slave.Name(), err)
			}
			return nil
		}))
	}

	var errs []error
	for _, task := range tasks {
		if err := task.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runOnSlaves(ctx context.Context, r *manager.Reservation, command string, input []byte, parallel int, out io.Writer) error {
	var mu sync.Mutex
	return forEachSlave(ctx, r, parallel, func(i int, slave *manager.Slave) error {
		rendered, err := renderTemplate(command, slaveContext(r, i, slave))
		if err != nil {
			return err
		}

		w := &prefixWriter{mu: &mu, out: out, prefix: "[" + slave.Name() + "] "}
		defer w.Flush()

		var opts []manager.RunOption
		if input != nil {
			opts = append(opts, manager.WithInput(input))
		}
		for chunk, err := range slave.RunCommand(ctx, rendered, opts...) {
			if err != nil {
				return err
			}
			w.Write(chunk)
		}
		return nil
	})
}

// prefixWriter writes whole lines to a shared output, each with a prefix.
type prefixWriter struct {
	mu      *sync.Mutex
	out     io.Writer
	prefix  string
	pending []byte
}

func (w *prefixWriter) Write(p []byte) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			return
		}
		w.emit(w.pending[:i+1])
		w.pending = w.pending[i+1:]
	}
}

func (w *prefixWriter) Flush() {
	if len(w.pending) > 0 {
		w.emit(append(w.pending, '\n'))
		w.pending = nil
	}
}

func (w *prefixWriter) emit(line []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	io.WriteString(w.out, w.prefix)
	w.out.Write(line)
}

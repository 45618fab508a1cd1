package script

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Runner runs a script with args and extra environment variables
type Runner interface {
	Run(path string, args []string, env []string) error
}

// Exec is a Runner starts scripts as child processes, it doesn't wait for them to finish
type Exec struct {
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewExec returns a new Exec, l could be nil
func NewExec(l *zap.Logger) *Exec {
	if l == nil {
		l = zap.NewNop()
	}
	return &Exec{logger: l.Named("script")}
}

// Run implements Runner interface
func (e *Exec) Run(path string, args []string, env []string) error {
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), env...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start script %v, %w", path, err)
	}
	e.logger.Sugar().Infof("started script %v %v, pid %d", path, strings.Join(args, " "), cmd.Process.Pid)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := cmd.Wait(); err != nil {
			e.logger.Sugar().Warnf("script %v finished with error, %v", path, err)
			return
		}
		e.logger.Sugar().Debugf("script %v finished", path)
	}()
	return nil
}

// Wait waits for all started scripts to finish
func (e *Exec) Wait() {
	e.wg.Wait()
}

// Record is a script run captured by Recorder
type Record struct {
	Path string
	Args []string
	Env  []string
}

// Recorder is a Runner only records runs
type Recorder struct {
	mux  sync.Mutex
	runs []Record
}

// Run implements Runner interface
func (r *Recorder) Run(path string, args []string, env []string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.runs = append(r.runs, Record{Path: path, Args: args, Env: env})
	return nil
}

// Runs returns recorded runs
func (r *Recorder) Runs() []Record {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]Record(nil), r.runs...)
}

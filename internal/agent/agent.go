// Package agent watches local hot folders and queues the images on a remote
// pixelsorter over gRPC. Input paths must be visible to the server, e.g. on a
// shared mount.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"pixelsorter/internal/grpcserver"
	"pixelsorter/internal/pipeline"
	"pixelsorter/internal/pixelsort"
	"pixelsorter/internal/watch"
)

const (
	submitTimeout  = 30 * time.Second
	maxEarlyEvents = 256
)

type Config struct {
	ServerAddress string               `json:"serverAddress"`
	AgentID       string               `json:"agentId"`
	Hostname      string               `json:"hostname"`
	Directories   []string             `json:"directories"`
	OutputDir     string               `json:"outputDir"`
	Algorithm     pixelsort.Algorithm  `json:"algorithm"`
	Params        pixelsort.Parameters `json:"params"`

	// Security
	CACertPath    string `json:"caCertPath"`
	SkipTLSVerify bool   `json:"skipTlsVerify"`
}

// Task is a job the agent queued remotely.
type Task struct {
	ID     string
	Input  string
	Status string
	Queued time.Time
	Error  string
	Output string
}

type Agent struct {
	config *Config
	client *grpcserver.Client
	conn   *grpc.ClientConn
	log    *slog.Logger
	tasks  map[string]*Task
	// early holds events that arrived before SubmitJob returned their id.
	early      map[string]*structpb.Struct
	tasksMutex sync.RWMutex
}

// NewAgent fills in hostname and agent id and dials the server.
func NewAgent(config *Config, log *slog.Logger) (*Agent, error) {
	a := newAgent(config, log)
	conn, err := a.createGRPCConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	a.conn = conn
	a.client = grpcserver.NewClient(conn)
	return a, nil
}

func newAgent(config *Config, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if config.Hostname == "" {
		config.Hostname = hostname
	}
	if config.AgentID == "" {
		config.AgentID = fmt.Sprintf("agent-%s-%d", config.Hostname, time.Now().Unix())
	}
	return &Agent{
		config: config,
		log:    log.With("agent", config.AgentID),
		tasks:  make(map[string]*Task),
		early:  make(map[string]*structpb.Struct),
	}
}

func (a *Agent) createGRPCConnection() (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if a.config.CACertPath != "" || a.config.SkipTLSVerify {
		tlsConfig, err := a.createTLSConfig()
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.NewClient(a.config.ServerAddress, opts...)
}

func (a *Agent) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: a.config.SkipTLSVerify}
	if a.config.CACertPath == "" {
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(a.config.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates found in %s", a.config.CACertPath)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// Submit queues job on the server. It satisfies watch.Submitter.
func (a *Agent) Submit(job pipeline.Job) error {
	job.Source = "agent:" + a.config.AgentID
	req, err := grpcserver.NewJobRequest(job)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	resp, err := a.client.SubmitJob(ctx, req)
	if err != nil {
		return err
	}

	id := resp.GetFields()["id"].GetStringValue()
	a.tasksMutex.Lock()
	defer a.tasksMutex.Unlock()
	task := &Task{ID: id, Input: job.InputPath, Status: "queued", Queued: time.Now()}
	a.tasks[id] = task
	if ev, ok := a.early[id]; ok {
		delete(a.early, id)
		a.update(task, ev)
	}
	return nil
}

// Run watches the configured directories until ctx is cancelled, following
// the server's job events to keep task status current.
func (a *Agent) Run(ctx context.Context) error {
	w, err := watch.New(a, watch.Options{
		Dirs:      a.config.Directories,
		OutputDir: a.config.OutputDir,
		Algorithm: a.config.Algorithm,
		Params:    a.config.Params,
	}, a.log)
	if err != nil {
		return err
	}

	events, err := a.client.WatchJobs(ctx)
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to watch jobs: %w", err)
	}
	go func() {
		for {
			ev, err := events.Recv()
			if err != nil {
				if ctx.Err() == nil {
					a.log.Warn("job event stream closed", "error", err)
				}
				return
			}
			a.applyEvent(ev)
		}
	}()

	a.log.Info("agent started", "server", a.config.ServerAddress, "directories", a.config.Directories)
	return w.Run(ctx)
}

// applyEvent updates the task an event refers to.
func (a *Agent) applyEvent(ev *structpb.Struct) {
	id := ev.GetFields()["id"].GetStringValue()
	a.tasksMutex.Lock()
	defer a.tasksMutex.Unlock()
	task, ok := a.tasks[id]
	if !ok {
		// Most unknown ids belong to other clients; keep a bounded window.
		if len(a.early) >= maxEarlyEvents {
			clear(a.early)
		}
		a.early[id] = ev
		return
	}
	a.update(task, ev)
}

func (a *Agent) update(task *Task, ev *structpb.Struct) {
	f := ev.GetFields()
	task.Status = f["status"].GetStringValue()
	task.Error = f["error"].GetStringValue()
	task.Output = f["output"].GetStringValue()
	if task.Error != "" {
		a.log.Error("remote job failed", "job_id", task.ID, "input", task.Input, "error", task.Error)
	} else {
		a.log.Info("remote job finished", "job_id", task.ID, "input", task.Input, "output", task.Output)
	}
}

// Tasks returns a copy of every task seen so far.
func (a *Agent) Tasks() []Task {
	a.tasksMutex.RLock()
	defer a.tasksMutex.RUnlock()
	out := make([]Task, 0, len(a.tasks))
	for _, t := range a.tasks {
		out = append(out, *t)
	}
	return out
}

func (a *Agent) GetStatus() map[string]interface{} {
	a.tasksMutex.RLock()
	defer a.tasksMutex.RUnlock()

	return map[string]interface{}{
		"agentId":     a.config.AgentID,
		"hostname":    a.config.Hostname,
		"taskCount":   len(a.tasks),
		"server":      a.config.ServerAddress,
		"directories": a.config.Directories,
	}
}

func (a *Agent) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

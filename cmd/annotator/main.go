package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"annotation-service/internal/bus"
	"annotation-service/internal/config"
	"annotation-service/internal/keys"
	"annotation-service/internal/objectstore"
	"annotation-service/internal/store"
	"annotation-service/internal/worker"
)

// The annotator is the pipeline wrapper the runner spawns for each job. It
// runs the annotation tool against the staged input, then finalizes the job
// through the completion publisher. Usage: annotator <staged input> <role>.
func main() {
	if len(os.Args) < 3 {
		log.Fatalf("usage: %s <staged input path> <user role>", filepath.Base(os.Args[0]))
	}
	stagedPath, userRole := os.Args[1], os.Args[2]

	cfg := config.Load()
	ctx := context.Background()

	userID, jobID, fileName, err := keys.ParseStagedInput(stagedPath)
	if err != nil {
		log.Fatalf("annotator: %v", err)
	}

	start := time.Now()
	if err := runPipeline(cfg, stagedPath, jobID, fileName); err != nil {
		// The job stays RUNNING; there is no failure transition.
		log.Fatalf("annotator: job %s pipeline failed: %v", jobID, err)
	}
	log.Printf("annotator: job %s pipeline finished in %s", jobID, time.Since(start).Round(time.Millisecond))

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("annotator: connect postgres: %v", err)
	}
	defer st.Close()

	s3Client, err := objectstore.NewClient(ctx, cfg)
	if err != nil {
		log.Fatalf("annotator: init s3 client: %v", err)
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	eventBus := bus.New(redisClient, cfg.Bindings(), cfg.VisibilityTimeout)

	publisher := worker.NewCompletionPublisher(cfg, st, objectstore.New(s3Client), eventBus)
	if err := publisher.Publish(ctx, userID, jobID, fileName, userRole); err != nil {
		// The job is completed regardless; report what did not stick.
		log.Printf("annotator: job %s completed with errors: %v", jobID, err)
		os.Exit(1)
	}
}

// runPipeline executes the external annotation tool when one is configured,
// and otherwise falls back to a built-in pass that produces the expected
// artifacts for local development.
func runPipeline(cfg config.Config, stagedPath, jobID, fileName string) error {
	if cfg.AnnotateTool != "" {
		cmd := exec.Command(cfg.AnnotateTool, stagedPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
	return annotateLocally(stagedPath, jobID, fileName)
}

// annotateLocally copies the input through as the annotated output and writes
// a record-count log, mirroring the artifact layout the real tool produces.
func annotateLocally(stagedPath, jobID, fileName string) error {
	in, err := os.Open(stagedPath)
	if err != nil {
		return fmt.Errorf("open staged input: %w", err)
	}
	defer in.Close()

	dir := filepath.Dir(stagedPath)
	out, err := os.Create(filepath.Join(dir, keys.ResultFileName(jobID, fileName)))
	if err != nil {
		return fmt.Errorf("create result: %w", err)
	}
	defer out.Close()

	records := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	w := bufio.NewWriter(out)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 0 && line[0] != '#' {
			records++
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read staged input: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush result: %w", err)
	}

	logPath := filepath.Join(dir, keys.LogFileName(jobID, fileName))
	logBody := fmt.Sprintf("records: %d\ncompleted: %s\n", records, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(logPath, []byte(logBody), 0o644); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

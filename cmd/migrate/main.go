package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"goexp/app"
	"goexp/internal/config"
	"goexp/internal/container"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// migrate applies the schema and, when given a directory, seeds it with the
// experiment definitions found there. Definitions that fail are skipped.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	var definitionsDir string
	switch len(os.Args) {
	case 1:
	case 2:
		definitionsDir = os.Args[1]
	default:
		log.Fatal("Usage: migrate [experiment_definitions_dir]")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	c, err := container.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create container: %v", err)
	}
	if err := c.Open(ctx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer c.Shutdown(ctx)

	if err := c.Migrate(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	if definitionsDir == "" {
		return
	}

	files, err := findDefinitionFiles(definitionsDir)
	if err != nil {
		log.Fatalf("Failed to find experiment definitions: %v", err)
	}
	log.Printf("Found %d experiment definitions to load", len(files))

	created, skipped := 0, 0
	for _, file := range files {
		req, err := loadDefinition(file)
		if err != nil {
			log.Printf("Failed to load %s: %v", file, err)
			skipped++
			continue
		}

		exp, err := c.Engine.CreateExperiment(ctx, *req)
		if err != nil {
			log.Printf("Failed to create experiment from %s: %v", filepath.Base(file), err)
			skipped++
			continue
		}

		created++
		log.Printf("Created experiment %s (%s) from %s", exp.Name, exp.ID, filepath.Base(file))
	}

	log.Printf("Seeding complete: %d created, %d skipped", created, skipped)
}

func findDefinitionFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !info.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}

func loadDefinition(path string) (*app.CreateExperimentRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var req app.CreateExperimentRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return &req, nil
}

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"storyloom/internal/character"
	"storyloom/internal/lore"
	"storyloom/internal/pipeline"
	"storyloom/internal/rewrite"
)

// appConfig is the on-disk configuration: the pipeline settings plus the
// model names and rewrite rules that live outside the pipeline package.
type appConfig struct {
	Pipeline pipeline.Config `yaml:"pipeline"`

	DirectorModel string `yaml:"director_model"`
	WriterModel   string `yaml:"writer_model"`
	PainterModel  string `yaml:"painter_model"`

	RewriteRules []rewrite.Rule `yaml:"rewrite_rules"`
}

func loadConfig(path string) (*appConfig, error) {
	cfg := &appConfig{}
	if path == "" {
		return cfg, nil
	}
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

func loadCard(path string) (*character.Card, error) {
	if path == "" {
		return nil, nil
	}
	card := &character.Card{}
	if err := loadYAML(path, card); err != nil {
		return nil, fmt.Errorf("failed to load character %s: %w", path, err)
	}
	return card, nil
}

// loadBooks reads each worldbook file and merges them into one virtual book.
func loadBooks(paths []string) (*lore.Book, error) {
	var books []*lore.Book
	for _, p := range paths {
		book := &lore.Book{}
		if err := loadYAML(p, book); err != nil {
			return nil, fmt.Errorf("failed to load worldbook %s: %w", p, err)
		}
		books = append(books, book)
	}
	return lore.Combine(books...), nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

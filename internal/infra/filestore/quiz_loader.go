package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"quizlive/internal/domain"
)

// QuizLoader reads quiz definitions from <dir>/<quiz id>.json. The quiz id is
// the file name without extension.
type QuizLoader struct {
	dir string
}

func NewQuizLoader(dir string) *QuizLoader {
	return &QuizLoader{dir: dir}
}

func (l *QuizLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	if quizID == "" || strings.ContainsAny(quizID, `/\`) || strings.HasPrefix(quizID, ".") {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	raw, err := os.ReadFile(filepath.Join(l.dir, quizID+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Quiz{}, fmt.Errorf("load quiz %s: %w", quizID, domain.ErrQuizNotFound)
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("load quiz %s: %w", quizID, err)
	}
	return decode(quizID, raw)
}

// ListQuizzes skips files that fail to parse.
func (l *QuizLoader) ListQuizzes(_ context.Context) ([]domain.Quiz, error) {
	paths, err := filepath.Glob(filepath.Join(l.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	quizzes := make([]domain.Quiz, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		quiz, err := decode(strings.TrimSuffix(filepath.Base(p), ".json"), raw)
		if err != nil {
			continue
		}
		quizzes = append(quizzes, quiz)
	}
	return quizzes, nil
}

func decode(id string, raw []byte) (domain.Quiz, error) {
	var quiz domain.Quiz
	if err := json.Unmarshal(raw, &quiz); err != nil {
		return domain.Quiz{}, fmt.Errorf("unmarshal quiz %s: %w", id, err)
	}
	quiz.ID = id
	if quiz.Name == "" {
		quiz.Name = id
	}
	return quiz, nil
}

package models

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskKind is the prefix of a t_id such as J:12 or RS:40.
type TaskKind string

const (
	KindJob        TaskKind = "J"
	KindRecipeSet  TaskKind = "RS"
	KindRecipe     TaskKind = "R"
	KindRecipeTask TaskKind = "T"
)

func FormatTaskID(kind TaskKind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// ParseTaskID splits a t_id into its kind and numeric id. A bare number is
// taken to be a job id.
func ParseTaskID(s string) (TaskKind, int64, error) {
	s = strings.TrimSpace(s)
	kind := KindJob
	raw := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch TaskKind(prefix) {
		case KindJob, KindRecipeSet, KindRecipe, KindRecipeTask:
			kind = TaskKind(prefix)
		default:
			return "", 0, fmt.Errorf("unknown task type %q in %q", prefix, s)
		}
		raw = rest
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid task id %q", s)
	}
	return kind, id, nil
}

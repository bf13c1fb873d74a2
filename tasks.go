package starmap

import (
	"fmt"

	"github.com/hazardlab/starmap/monitor"
	"github.com/hazardlab/starmap/split"
)

// Count counts the letters in its input, the canonical MapReduce example.
// The input may be a word, a block of words, or a sequence of words.
func Count(args []any, mon *monitor.Monitor) (any, error) {
	counts := map[string]int{}
	var add func(v any) error
	add = func(v any) error {
		switch s := v.(type) {
		case string:
			for _, r := range s {
				counts[string(r)]++
			}
		case *split.Block:
			for _, it := range s.Items {
				if err := add(it); err != nil {
					return err
				}
			}
		case []any:
			for _, it := range s {
				if err := add(it); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("cannot count letters in a %T", v)
		}
		return nil
	}
	if err := add(args[0]); err != nil {
		return nil, err
	}
	return counts, nil
}

// Debug echoes its message, useful to exercise a backend.
func Debug(args []any, mon *monitor.Monitor) (any, error) {
	return fmt.Sprintf("%v", args[0]), nil
}

func init() {
	MustRegister(&TaskFunc{Name: "count", Fn: Count, ArgNames: []string{"word"}})
	MustRegister(&TaskFunc{Name: "debug", Fn: Debug, ArgNames: []string{"msg", "mon"}})
}

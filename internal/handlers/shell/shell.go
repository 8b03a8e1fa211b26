package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"recurflow/internal/domain"
)

type Shell struct{}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

func (h Shell) Handle(ctx context.Context, def domain.TaskDefinition) error {
	if len(def.Command) == 0 {
		return errors.New("command is required")
	}
	values := def.Values()
	args := make([]string, len(def.Command))
	for i, a := range def.Command {
		args[i] = Expand(a, values)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), Env(values)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "shell error; out=%s", strings.TrimSpace(string(out)))
	}
	return nil
}

// Expand replaces ${name} with the parameter value. Unknown names expand to "".
func Expand(s string, values map[string]any) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := values[m[2:len(m)-1]]
		if !ok {
			return ""
		}
		return fmt.Sprint(v)
	})
}

var notAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

// Env exposes every value as PARAM_<NAME>.
func Env(values map[string]any) []string {
	out := make([]string, 0, len(values))
	for k, v := range values {
		out = append(out, "PARAM_"+notAlnum.ReplaceAllString(strings.ToUpper(k), "_")+"="+fmt.Sprint(v))
	}
	sort.Strings(out)
	return out
}

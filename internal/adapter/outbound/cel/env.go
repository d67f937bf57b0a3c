package cel

import (
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// NewInterceptEnvironment creates the CEL environment used to compile
// InterceptContext predicates and Block-reason expressions. It exposes
// the fields of an InterceptContext plus a glob() helper for tool-name
// matching.
func NewInterceptEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),

		cel.Variable("method", cel.StringType),
		cel.Variable("direction", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("negotiated_version", cel.StringType),
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("tool_args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("identity_roles", cel.ListType(cel.StringType)),
		cel.Variable("request_time", cel.TimestampType),

		// glob: shell-style pattern matching against method/tool names.
		// Usage: glob("tools/*", method)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}

package shell

import (
	"fmt"
	"strings"
)

// Dialect describes how to invoke a script file: the argv template, where
// {0} is replaced by the script path, and the file extension to use.
type Dialect struct {
	Name string
	Args []string
	Ext  string
}

// builtinDialects are the named shells a step may request.
var builtinDialects = map[string]Dialect{
	"bash":       {Name: "bash", Args: []string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "{0}"}, Ext: ".sh"},
	"sh":         {Name: "sh", Args: []string{"sh", "-e", "{0}"}, Ext: ".sh"},
	"pwsh":       {Name: "pwsh", Args: []string{"pwsh", "-command", ". '{0}'"}, Ext: ".ps1"},
	"powershell": {Name: "powershell", Args: []string{"powershell", "-command", ". '{0}'"}, Ext: ".ps1"},
	"python":     {Name: "python", Args: []string{"python", "{0}"}, Ext: ".py"},
	"cmd":        {Name: "cmd", Args: []string{"cmd", "/D", "/E:ON", "/V:OFF", "/S", "/C", `CALL "{0}"`}, Ext: ".cmd"},
}

// ResolveDialect returns the dialect for a `shell:` value. Known names map
// to their built-in invocation; anything else must be a command template
// containing {0}, e.g. "perl {0}". An empty name resolves to bash.
func ResolveDialect(shell string) (Dialect, error) {
	shell = strings.TrimSpace(shell)
	if shell == "" {
		shell = "bash"
	}
	if d, ok := builtinDialects[shell]; ok {
		return d, nil
	}

	if !strings.Contains(shell, "{0}") {
		return Dialect{}, fmt.Errorf("unknown shell %q (custom shells must contain {0})", shell)
	}
	args := strings.Fields(shell)
	return Dialect{Name: args[0], Args: args, Ext: ""}, nil
}

// Argv returns the command line for running scriptPath.
func (d Dialect) Argv(scriptPath string) []string {
	argv := make([]string, len(d.Args))
	for i, a := range d.Args {
		argv[i] = strings.ReplaceAll(a, "{0}", scriptPath)
	}
	return argv
}

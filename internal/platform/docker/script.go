package docker

import (
	"fmt"
	"strings"

	"autosubmit/internal/job"
	"autosubmit/internal/platform"
)

// runJob runs one member with its logs in the workspace and leaves the
// completion marker only when the member exits zero.
const runJob = `run_job() {
	export JOBNAME="$1" SDATE="$2" MEMBER="$3" CHUNK="$4"
	sh -c "$5" >"$WORKSPACE/$1.out" 2>"$WORKSPACE/$1.err" && touch "$WORKSPACE/$1_COMPLETED"
}
`

// MarkerName is the file a job leaves in the workspace when it succeeds.
func MarkerName(jobName string) string {
	return jobName + "_COMPLETED"
}

// Script renders the shell program that executes a package inside the
// container, following its stage layout. The program exits non-zero as
// soon as a stage has a failed chain.
func Script(pkg *platform.Package) string {
	var b strings.Builder
	b.WriteString("set -u\n")
	fmt.Fprintf(&b, "# %s (%s, %d jobs)\n", pkg.Name, pkg.Wrapper, len(pkg.Jobs))
	b.WriteString(runJob)

	for _, stage := range pkg.Stages() {
		if len(stage) == 1 {
			for _, j := range stage[0] {
				b.WriteString(invocation(j) + " || exit 1\n")
			}
			continue
		}
		b.WriteString("pids=\"\"\n")
		for _, chain := range stage {
			calls := make([]string, len(chain))
			for i, j := range chain {
				calls[i] = invocation(j) + " || exit 1"
			}
			fmt.Fprintf(&b, "( %s ) & pids=\"$pids $!\"\n", strings.Join(calls, "; "))
		}
		b.WriteString("rc=0\nfor pid in $pids; do wait \"$pid\" || rc=1; done\n")
		b.WriteString("[ \"$rc\" -eq 0 ] || exit 1\n")
	}
	return b.String()
}

func invocation(j *job.Job) string {
	script := j.Script
	if script == "" {
		script = ":"
	}
	return strings.Join([]string{
		"run_job",
		quote(j.Name),
		quote(j.Date),
		quote(j.Member),
		quote(fmt.Sprint(j.Chunk)),
		quote(script),
	}, " ")
}

// quote wraps s in single quotes for sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/anvil-platform/servicegraph/engine"
)

func printSnapshot(w io.Writer, snap []engine.ServiceStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tMODE\tSTATE\tDEMAND\tDETAIL")
	for _, st := range snap {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", st.Name, st.Mode, st.State, st.Demand, detail(st))
	}
	tw.Flush()
}

func detail(st engine.ServiceStatus) string {
	switch {
	case st.Failure != nil:
		return st.Failure.Error()
	case len(st.Missing) > 0:
		return "missing " + strings.Join(st.Missing, ", ")
	}
	return ""
}

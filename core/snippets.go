package core

import "strings"

// matplotlibDefaultsVar holds the rcParams captured when inline plotting is
// set up, so the light style can be restored later.
const matplotlibDefaultsVar = "_kernelx_default_matplotlib_params"

func plottingSetupCode(plotViewer bool) string {
	formats := "{'png'}"
	if plotViewer {
		formats = "{'svg', 'png'}"
	}
	return strings.Join([]string{
		"import matplotlib",
		"%matplotlib inline",
		matplotlibDefaultsVar + " = dict(matplotlib.rcParams)",
		"%config InlineBackend.figure_formats = " + formats,
	}, "\n")
}

func changeDirectoryCode(dir string) string {
	escaped := strings.ReplaceAll(dir, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `%cd "` + escaped + `"`
}

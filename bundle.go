package quell

import (
	"fmt"
	"os"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// bundleSourceFile resolves a file source's imports by bundling it into a
// single self-contained script, rooted at workDir. Only used when
// AUTO_DEPEND is set; sources without imports are returned as read.
func bundleSourceFile(path, workDir string) (string, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	src := string(source)
	if !needsBundling(src) {
		return src, nil
	}

	opts := esbuild.BuildOptions{
		EntryPoints: []string{path},
		Bundle:      true,
		Format:      esbuild.FormatIIFE,
		Write:       false,
		Platform:    esbuild.PlatformNeutral,
		Target:      esbuild.ES2020,
		TreeShaking: esbuild.TreeShakingFalse,
	}
	if workDir != "" {
		opts.AbsWorkingDir = workDir
	}

	result := esbuild.Build(opts)
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("resolving dependencies of %s: %s", path, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", path)
	}

	return string(result.OutputFiles[0].Contents), nil
}

// needsBundling checks whether a source pulls in other files. Sources
// without imports skip the bundler entirely.
func needsBundling(source string) bool {
	return strings.Contains(source, "import ") ||
		strings.Contains(source, "import{") ||
		strings.Contains(source, "import(") ||
		strings.Contains(source, "require(")
}

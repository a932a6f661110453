// Package demo provides a small, self-contained command graph used by
// cmd/forge to exercise the build engine without a real language front-end.
package demo

import (
	"fmt"
	"os"

	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/fileref"
)

// Commands builds a three-stage compile -> link -> package pipeline, each
// stage an in-process builtin that writes a small marker file, rooted under
// dir. It exists purely to give the demo driver something to schedule.
func Commands(dir string) ([]*command.Command, error) {
	root, err := fileref.New(dir, "")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	objA := root.Join("a.o")
	objB := root.Join("b.o")
	binary := root.Join("app")
	archive := root.Join("app.tar")

	compileA := writeFileCommand("compile a.c", "compile-a", objA, root, "object file for a.c")
	compileB := writeFileCommand("compile b.c", "compile-b", objB, root, "object file for b.c")

	link := command.NewBuiltin("link app", "link", func(string) error {
		return concat(binary.String(), objA.String(), objB.String())
	}, root).Hashable(true).WithBuiltinPayload([]byte("link-v1"))
	link.AddInput(objA)
	link.AddInput(objB)
	link.AddOutput(binary)

	pack := writeFileCommand("package app", "package", archive, root, "")
	pack.AddInput(binary)

	for _, c := range []*command.Command{compileA, compileB, link, pack} {
		c.Freeze()
	}
	return []*command.Command{compileA, compileB, link, pack}, nil
}

func writeFileCommand(name, id string, out fileref.FileRef, cwd fileref.FileRef, content string) *command.Command {
	c := command.NewBuiltin(name, id, func(string) error {
		return os.WriteFile(out.String(), []byte(content), 0o644)
	}, cwd).Hashable(true).WithBuiltinPayload([]byte(id + "-v1"))
	c.AddOutput(out)
	return c
}

func concat(dst string, srcs ...string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, src := range srcs {
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(f, "%s\n", data); err != nil {
			return err
		}
	}
	return nil
}

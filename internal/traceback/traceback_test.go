package traceback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pythonOutput = `$ python main.py
Traceback (most recent call last):
  File "/app/main.py", line 10, in <module>
    main()
  File "/app/main.py", line 7, in main
    raise ValueError("boom")
ValueError: boom
$ `

func TestParsePython(t *testing.T) {
	tb := ParsePython(pythonOutput)
	require.NotNil(t, tb)

	assert.Equal(t, "python", tb.Language)
	assert.Equal(t, "ValueError: boom", tb.Message)
	require.Len(t, tb.Frames, 2)
	assert.Equal(t, Frame{Filepath: "/app/main.py", Lineno: 10, Function: "<module>", Code: "main()"}, tb.Frames[0])
	assert.Equal(t, "main", tb.Frames[1].Function)
	assert.Equal(t, `raise ValueError("boom")`, tb.Frames[1].Code)
	assert.Contains(t, tb.Full, "Traceback (most recent call last):")
	assert.NotContains(t, tb.Full, "$ ")
}

const nodeOutput = `/app/x.js:3
    throw new Error("boom");
    ^

Error: boom
    at Object.<anonymous> (/app/x.js:3:11)
    at Module._compile (node:internal/modules/cjs/loader:1256:14)

Node.js v20.5.0`

func TestParseJavaScript(t *testing.T) {
	tb := ParseJavaScript(nodeOutput)
	require.NotNil(t, tb)

	assert.Equal(t, "Error: boom", tb.Message)
	require.Len(t, tb.Frames, 2)
	assert.Equal(t, "node:internal/modules/cjs/loader", tb.Frames[0].Filepath)
	assert.Equal(t, Frame{Filepath: "/app/x.js", Lineno: 3, Function: "Object.<anonymous>"}, tb.Frames[1])
}

const goOutput = `panic: boom

goroutine 1 [running]:
main.run(...)
	/app/main.go:9
main.main()
	/app/main.go:5 +0x25
exit status 2`

func TestParseGo(t *testing.T) {
	tb := ParseGo(goOutput)
	require.NotNil(t, tb)

	assert.Equal(t, "panic: boom", tb.Message)
	require.Len(t, tb.Frames, 2)
	assert.Equal(t, Frame{Filepath: "/app/main.go", Lineno: 5, Function: "main.main()"}, tb.Frames[0])
	assert.Equal(t, 9, tb.Frames[1].Lineno)
	assert.NotContains(t, tb.Full, "exit status")
}

func TestFind(t *testing.T) {
	assert.Nil(t, Find("ok\nPASS\n"))
	assert.Nil(t, Find("Error: something went wrong\n"))

	tb := Find(goOutput)
	require.NotNil(t, tb)
	assert.Equal(t, "go", tb.Language)

	tb = Find(pythonOutput)
	require.NotNil(t, tb)
	assert.Equal(t, "python", tb.Language)
}

package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_Words(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"ls -la /tmp", []string{"ls", "-la", "/tmp"}},
		{"  echo   a\tb  ", []string{"echo", "a", "b"}},
		{`echo 'a b' "c d"`, []string{"echo", "a b", "c d"}},
		{`echo "it's" 'say "hi"'`, []string{"echo", "it's", `say "hi"`}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{`echo "a\"b"`, []string{"echo", `a"b`}},
		{`echo ''`, []string{"echo", ""}},
		{"echo a#b # comment", []string{"echo", "a#b"}},
		{`echo $HOME`, []string{"echo", "$HOME"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			pipes, err := ParseLine(tt.line)
			require.NoError(t, err)
			require.Len(t, pipes, 1)
			require.Len(t, pipes[0].Commands, 1)
			assert.Equal(t, tt.want, pipes[0].Commands[0].Argv())
		})
	}
}

func TestParseLine_Connectors(t *testing.T) {
	pipes, err := ParseLine("cd /tmp; wget x && chmod +x y || echo fail & ls | grep a | head")
	require.NoError(t, err)
	require.Len(t, pipes, 5)

	assert.Equal(t, Seq, pipes[0].Next)
	assert.Equal(t, And, pipes[1].Next)
	assert.Equal(t, Or, pipes[2].Next)
	assert.Equal(t, Seq, pipes[3].Next)
	assert.Equal(t, Seq, pipes[4].Next)
	require.Len(t, pipes[4].Commands, 3)
	assert.Equal(t, []string{"grep", "a"}, pipes[4].Commands[1].Argv())
}

func TestParseLine_Redirects(t *testing.T) {
	tests := []struct {
		line  string
		argv  []string
		redir []Redirect
	}{
		{"echo hi > /tmp/x", []string{"echo", "hi"}, []Redirect{{Op: RedirOut, FD: 1, Target: "/tmp/x"}}},
		{"echo hi>>x", []string{"echo", "hi"}, []Redirect{{Op: RedirAppend, FD: 1, Target: "x"}}},
		{"cat < in", []string{"cat"}, []Redirect{{Op: RedirIn, FD: 0, Target: "in"}}},
		{"ls 2>/dev/null", []string{"ls"}, []Redirect{{Op: RedirOut, FD: 2, Target: "/dev/null"}}},
		{"ls >out 2>&1", []string{"ls"}, []Redirect{
			{Op: RedirOut, FD: 1, Target: "out"},
			{Op: RedirDup, FD: 2, Target: "1"},
		}},
		{"ls &>out", []string{"ls"}, []Redirect{
			{Op: RedirOut, FD: 1, Target: "out"},
			{Op: RedirDup, FD: 2, Target: "1"},
		}},
		{`echo "2" > x`, []string{"echo", "2"}, []Redirect{{Op: RedirOut, FD: 1, Target: "x"}}},
		{"> empty", nil, []Redirect{{Op: RedirOut, FD: 1, Target: "empty"}}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			pipes, err := ParseLine(tt.line)
			require.NoError(t, err)
			require.Len(t, pipes, 1)
			sc := pipes[0].Commands[0]
			if tt.argv == nil {
				assert.Empty(t, sc.Words)
			} else {
				assert.Equal(t, tt.argv, sc.Argv())
			}
			assert.Equal(t, tt.redir, sc.Redirects)
		})
	}
}

func TestParseLine_Glob(t *testing.T) {
	pipes, err := ParseLine(`ls *.sh '*.txt' a\*`)
	require.NoError(t, err)
	got := pipes[0].Commands[0].Words
	assert.Equal(t, []Word{{Text: "ls"}, {Text: "*.sh", Glob: true}, {Text: "*.txt"}, {Text: "a*"}}, got)
}

func TestParseLine_Empty(t *testing.T) {
	for _, line := range []string{"", "   ", "# only a comment", "ls;"} {
		_, err := ParseLine(line)
		assert.NoError(t, err, line)
	}
}

func TestParseLine_SyntaxErrors(t *testing.T) {
	tests := []struct {
		line string
		msg  string
	}{
		{"echo 'abc", "unexpected EOF while looking for matching `''"},
		{`echo "abc`, "unexpected EOF while looking for matching `\"'"},
		{"; ls", "syntax error near unexpected token `;'"},
		{"| ls", "syntax error near unexpected token `|'"},
		{"&& ls", "syntax error near unexpected token `&&'"},
		{"ls &&", "syntax error: unexpected end of file"},
		{"ls |", "syntax error: unexpected end of file"},
		{"echo >", "syntax error near unexpected token `newline'"},
		{"echo > | x", "syntax error near unexpected token `|'"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := ParseLine(tt.line)
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.msg, se.Msg)
		})
	}
}

func TestParseLineEnv_Expansion(t *testing.T) {
	env := map[string]string{"HOME": "/root", "X": "1", "?": "127"}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	pipes, err := ParseLineEnv(`echo $X ${X}y "$HOME/a" '$X' $? $UNSET. ~ ~/bin a~ $`, lookup)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"echo", "1", "1y", "/root/a", "$X", "127", ".", "/root", "/root/bin", "a~", "$"},
		pipes[0].Commands[0].Argv())
}

func TestParseLine_Raw(t *testing.T) {
	pipes, err := ParseLine(`X=1;; echo "$X" > out | cat && ls -l # tail`)
	require.NoError(t, err)
	require.Len(t, pipes, 3)
	assert.Equal(t, "X=1", pipes[0].Commands[0].Raw)
	assert.Equal(t, `echo "$X" > out`, pipes[1].Commands[0].Raw)
	assert.Equal(t, "cat", pipes[1].Commands[1].Raw)
	assert.Equal(t, "ls -l # tail", pipes[2].Commands[0].Raw)
}

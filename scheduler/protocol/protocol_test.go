package protocol

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/vosges/scheduler/domain"
)

func TestEncodeDecode(t *testing.T) {
	line, err := MakeStatusEvent(domain.Running).Encode()
	require.NoError(t, err)
	assert.Equal(t, `%vosges status "running"`, line)

	ev, ok, err := Decode(line)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, MakeStatusEvent(domain.Running), ev)

	line, err = MakeStatsEvent(map[string]interface{}{"hostname": "$(hostname)", "exit_code": 0}).Encode()
	require.NoError(t, err)
	assert.Equal(t, `%vosges stats {"exit_code":0,"hostname":"$(hostname)","v":1}`, line)

	ev, ok, err = Decode(line)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Stats, ev.Kind)
	assert.Equal(t, map[string]interface{}{"exit_code": json.Number("0"), "hostname": "$(hostname)"}, ev.Fields)
}

func TestDecodeNonProtocolLines(t *testing.T) {
	for _, line := range []string{"", "hello", "%vosgesstatus \"running\"", "Traceback (most recent call last):"} {
		_, ok, err := Decode(line)
		assert.False(t, ok, line)
		assert.NoError(t, err, line)
	}
}

func TestDecodeAfterUnterminatedOutput(t *testing.T) {
	ev, ok, err := Decode(`progress 99%%vosges stats {"exit_code":0,"rss_max_kbytes":1234}`)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]interface{}{"exit_code": json.Number("0"), "rss_max_kbytes": json.Number("1234")}, ev.Fields)

	stream := "epoch 3/3" + `%vosges stats {"exit_code":0,"rss_max_kbytes":1234}` + "\n" +
		"done." + `%vosges status "success"` + "\n"
	l, err := Parse(strings.NewReader(stream))
	require.NoError(t, err)
	s, ok := l.Status()
	assert.True(t, ok)
	assert.Equal(t, domain.Success, s)
	assert.Equal(t, json.Number("1234"), l.Stats()["rss_max_kbytes"])
	assert.Equal(t, json.Number("0"), l.Stats()["exit_code"])
	assert.Equal(t, 0, l.Malformed())
}

func TestDecodeMalformed(t *testing.T) {
	for _, line := range []string{
		`%vosges status`,
		`%vosges status "exploded"`,
		`%vosges status {`,
		`%vosges bogus {}`,
		`%vosges stats [1,2]`,
		`%vosges stats {"v": 99}`,
		`%vosges stats {"a": 1`,
	} {
		_, ok, err := Decode(line)
		assert.True(t, ok, line)
		if assert.Error(t, err, line) {
			_, isParseErr := err.(*ParseError)
			assert.True(t, isParseErr, line)
		}
	}
}

func TestLogReadback(t *testing.T) {
	stream := strings.Join([]string{
		`%vosges status "running"`,
		`%vosges stats {"time_started": "t0", "hostname": "node1"}`,
		`%vosges environ {"HOME": "/home/u", "N": 5}`,
		`some job output on stderr`,
		`%vosges environ {"HOME": "/other"}`,
		`%vosges stats {"exit_code": 1, "hostname": "node2"`,
		`%vosges stats {"exit_code": 0, "hostname": "node2"}`,
		`%vosges results {"name": "acc", "value": 0.5}`,
		`%vosges status "success"`,
		`%vosges results {"name": "loss"}`,
	}, "\n")
	l, err := Parse(strings.NewReader(stream))
	require.NoError(t, err)

	s, ok := l.Status()
	assert.True(t, ok)
	assert.Equal(t, domain.Success, s)
	assert.Equal(t, map[string]interface{}{
		"time_started": "t0",
		"hostname":     "node2",
		"exit_code":    json.Number("0"),
	}, l.Stats())
	assert.Equal(t, map[string]string{"HOME": "/home/u"}, l.Environ())
	require.Len(t, l.Results(), 2)
	assert.Equal(t, "loss", l.Results()[1]["name"])
	assert.Equal(t, 1, l.Malformed())
}

func TestEmptyLog(t *testing.T) {
	l, err := ReadFile(filepath.Join(os.TempDir(), "vosges-does-not-exist", "stderr.txt"))
	require.NoError(t, err)
	_, ok := l.Status()
	assert.False(t, ok)
	assert.Empty(t, l.Stats())
	assert.Nil(t, l.Environ())
}

func TestWriterAppends(t *testing.T) {
	dir, err := ioutil.TempDir("", "protocol")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "log", "stderr_job_000000.txt")
	w := NewWriter(path)
	require.NoError(t, w.Append(MakeStatsEvent(map[string]interface{}{"queue_unit_id": "17"}), MakeStatusEvent(domain.Submitted)))
	require.NoError(t, AppendFile(path, MakeStatusEvent(domain.Killed)))

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))

	l, err := ReadFile(path)
	require.NoError(t, err)
	s, _ := l.Status()
	assert.Equal(t, domain.Killed, s)
	assert.Equal(t, "17", l.Stats()["queue_unit_id"])
}

func TestStatsLastWriteWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	names := []string{"a", "b", "c", "exit_code"}
	keys := gen.IntRange(0, len(names)-1).Map(func(i int) string { return names[i] })
	properties.Property("merged stats hold the last value written per key", prop.ForAll(
		func(ks []string, vs []string) bool {
			var lines []string
			want := map[string]interface{}{}
			for i, k := range ks {
				if i >= len(vs) {
					break
				}
				line, err := MakeStatsEvent(map[string]interface{}{k: vs[i]}).Encode()
				if err != nil {
					return false
				}
				lines = append(lines, line)
				want[k] = vs[i]
			}
			l, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
			if err != nil {
				return false
			}
			got := l.Stats()
			if len(got) != len(want) {
				return false
			}
			for k, v := range want {
				if got[k] != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(keys),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

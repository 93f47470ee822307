package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/cql-driver/protocol"
)

func TestBuilderSetGet(t *testing.T) {
	b := NewBuilder()

	require.NoError(t, b.SetOption(OptionThreadsIO, 4))
	require.NoError(t, b.SetOption(OptionThreadsCallback, 2))
	require.NoError(t, b.SetOption(OptionContactPointAdd, "10.0.0.1"))
	require.NoError(t, b.SetOption(OptionContactPointAdd, "10.0.0.2"))
	require.NoError(t, b.SetOption(OptionPort, 9142))
	require.NoError(t, b.SetOption(OptionCQLVersion, "3"))
	require.NoError(t, b.SetOption(OptionSchemaAgreementWait, 2500))
	require.NoError(t, b.SetOption(OptionControlConnectionTimeout, 3*time.Second))
	require.NoError(t, b.SetOption(OptionCompression, CompressionSnappy))

	get := func(opt Option) interface{} {
		v, err := b.GetOption(opt)
		require.NoError(t, err, opt.String())
		return v
	}
	assert.Equal(t, 4, get(OptionThreadsIO))
	assert.Equal(t, 2, get(OptionThreadsCallback))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, get(OptionContactPointAdd))
	assert.Equal(t, 9142, get(OptionPort))
	assert.Equal(t, "3", get(OptionCQLVersion))
	assert.Equal(t, 2500*time.Millisecond, get(OptionSchemaAgreementWait))
	assert.Equal(t, 3*time.Second, get(OptionControlConnectionTimeout))
	assert.Equal(t, CompressionSnappy, get(OptionCompression))

	cfg := b.Config()
	assert.Equal(t, int(protocol.ProtoVersion3), cfg.ProtocolVersion)
	assert.Equal(t, "snappy", cfg.Compression)

	cluster, err := b.Build()
	require.NoError(t, err)
	assert.NotNil(t, cluster.Config().TransportFactory)
	assert.NotNil(t, cluster.Config().HostPolicy)
	assert.NotNil(t, cluster.Config().ReconnectPolicy)
}

func TestBuilderInvalidOptions(t *testing.T) {
	tests := []struct {
		opt   Option
		value interface{}
	}{
		{OptionThreadsIO, 0},
		{OptionThreadsCallback, "2"},
		{OptionPort, 65536},
		{OptionContactPointAdd, ""},
		{OptionContactPointAdd, 1},
		{OptionCQLVersion, "4"},
		{OptionCQLVersion, 2},
		{OptionSchemaAgreementWait, -1},
		{OptionSchemaAgreementWait, "1s"},
		{OptionControlConnectionTimeout, 0},
		{OptionCompression, 7},
		{Option(8), 1},
	}
	for _, tt := range tests {
		t.Run(tt.opt.String(), func(t *testing.T) {
			b := NewBuilder()
			err := b.SetOption(tt.opt, tt.value)
			assert.Equal(t, protocol.KindInvalidOption, ErrorKind(err))
		})
	}

	_, err := NewBuilder().GetOption(Option(42))
	assert.Equal(t, protocol.KindInvalidOption, ErrorKind(err))
	assert.Equal(t, "option(42)", Option(42).String())
}

func TestBuilderRequiresContactPoint(t *testing.T) {
	_, err := NewBuilder().Build()
	assert.Equal(t, protocol.KindInvalidOption, ErrorKind(err))
}

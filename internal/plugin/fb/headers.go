package fb

import flatbuffers "github.com/google/flatbuffers/go"

// BuildHeaderKeyValue serializes one header pair.
func BuildHeaderKeyValue(name, value string) []byte {
	builder := flatbuffers.NewBuilder(64)
	k := builder.CreateString(name)
	v := builder.CreateString(value)
	HeaderKeyValueStart(builder)
	HeaderKeyValueAddKey(builder, k)
	HeaderKeyValueAddValue(builder, v)
	builder.Finish(HeaderKeyValueEnd(builder))
	return builder.FinishedBytes()
}

// ReadHeaderKeyValue decodes one header pair.
func ReadHeaderKeyValue(data []byte) (name, value string) {
	kv := GetRootAsHeaderKeyValue(data, 0)
	return string(kv.Key()), string(kv.Value())
}

// BuildHeaders serializes an ordered header list.
func BuildHeaders(pairs [][2]string) []byte {
	builder := flatbuffers.NewBuilder(256)
	offsets := make([]flatbuffers.UOffsetT, len(pairs))
	for i, pair := range pairs {
		k := builder.CreateString(pair[0])
		v := builder.CreateString(pair[1])
		HeaderKeyValueStart(builder)
		HeaderKeyValueAddKey(builder, k)
		HeaderKeyValueAddValue(builder, v)
		offsets[i] = HeaderKeyValueEnd(builder)
	}
	HttpHeadersStartHeadersVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	vec := builder.EndVector(len(offsets))
	HttpHeadersStart(builder)
	HttpHeadersAddHeaders(builder, vec)
	builder.Finish(HttpHeadersEnd(builder))
	return builder.FinishedBytes()
}

// ReadHeaders decodes a header list in its serialized order.
func ReadHeaders(data []byte) [][2]string {
	root := GetRootAsHttpHeaders(data, 0)
	n := root.HeadersLength()
	pairs := make([][2]string, 0, n)
	var kv HeaderKeyValue
	for i := 0; i < n; i++ {
		if root.Headers(&kv, i) {
			pairs = append(pairs, [2]string{string(kv.Key()), string(kv.Value())})
		}
	}
	return pairs
}

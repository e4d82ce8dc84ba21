package bencode

import (
	"strconv"
)

// Encode serialises v to its canonical bencoded form. Dict keys are always
// written in sorted order, so a Value that came from Decode re-encodes to
// byte-identical output (Decode already rejects dicts whose keys are not
// strictly increasing).
func Encode(v Value) []byte {
	buf := make([]byte, 0, 64)
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Kind {
	case KindInt:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.Int, 10)
		buf = append(buf, 'e')
		return buf
	case KindString:
		buf = strconv.AppendInt(buf, int64(len(v.Str)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.Str...)
		return buf
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = appendValue(buf, item)
		}
		buf = append(buf, 'e')
		return buf
	case KindDict:
		buf = append(buf, 'd')
		for _, k := range sortedKeys(v.Dict) {
			buf = appendValue(buf, Text(k))
			buf = appendValue(buf, v.Dict[k])
		}
		buf = append(buf, 'e')
		return buf
	default:
		return buf
	}
}

package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// pbField is one decoded protobuf field.
type pbField struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func parseFields(b []byte) ([]pbField, error) {
	var fields []pbField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		f := pbField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.bytes = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendRepeatedString(b []byte, num protowire.Number, values []string) []byte {
	for _, s := range values {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendInt32(b []byte, num protowire.Number, v int) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(int32(v))))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendOptBool(b []byte, num protowire.Number, v *bool) []byte {
	if v == nil {
		return b
	}
	return appendBool(b, num, *v)
}

func int32Value(f pbField) int {
	return int(int32(f.varint))
}

func boolPtr(f pbField) *bool {
	v := protowire.DecodeBool(f.varint)
	return &v
}

// ModelConfiguration: oneof { string model_string = 1; ModelObj model_obj = 2; }
// ModelObj: { string model_name = 1; string api_key = 2; string base_url = 3; }
func encodeModel(m *Model) []byte {
	if !m.Structured() {
		return appendString(nil, 1, m.Name)
	}
	var obj []byte
	obj = appendString(obj, 1, m.Name)
	obj = appendString(obj, 2, m.APIKey)
	obj = appendString(obj, 3, m.BaseURL)
	return appendMessage(nil, 2, obj)
}

func decodeModel(b []byte) (*Model, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	m := &Model{}
	for _, f := range fields {
		switch f.num {
		case 1:
			m.Name = string(f.bytes)
		case 2:
			inner, err := parseFields(f.bytes)
			if err != nil {
				return nil, err
			}
			for _, g := range inner {
				switch g.num {
				case 1:
					m.Name = string(g.bytes)
				case 2:
					m.APIKey = string(g.bytes)
				case 3:
					m.BaseURL = string(g.bytes)
				}
			}
		}
	}
	return m, nil
}

// LocalBrowserLaunchOptions: { optional bool headless = 1; string executable_path = 2;
// repeated string args = 3; string user_data_dir = 4; Viewport viewport = 5;
// optional bool devtools = 6; optional bool ignore_https_errors = 7; string cdp_url = 8; }
// Viewport: { int32 width = 1; int32 height = 2; }
func encodeLocalBrowser(o *LocalBrowserOptions) []byte {
	var b []byte
	b = appendOptBool(b, 1, o.Headless)
	b = appendString(b, 2, o.ExecutablePath)
	b = appendRepeatedString(b, 3, o.Args)
	b = appendString(b, 4, o.UserDataDir)
	if o.Viewport != nil {
		var vp []byte
		vp = appendInt32(vp, 1, o.Viewport.Width)
		vp = appendInt32(vp, 2, o.Viewport.Height)
		b = appendMessage(b, 5, vp)
	}
	b = appendOptBool(b, 6, o.Devtools)
	b = appendOptBool(b, 7, o.IgnoreHTTPSErrors)
	b = appendString(b, 8, o.CDPURL)
	return b
}

func decodeLocalBrowser(b []byte) (*LocalBrowserOptions, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	o := &LocalBrowserOptions{}
	for _, f := range fields {
		switch f.num {
		case 1:
			o.Headless = boolPtr(f)
		case 2:
			o.ExecutablePath = string(f.bytes)
		case 3:
			o.Args = append(o.Args, string(f.bytes))
		case 4:
			o.UserDataDir = string(f.bytes)
		case 5:
			inner, err := parseFields(f.bytes)
			if err != nil {
				return nil, err
			}
			vp := &Viewport{}
			for _, g := range inner {
				switch g.num {
				case 1:
					vp.Width = int32Value(g)
				case 2:
					vp.Height = int32Value(g)
				}
			}
			o.Viewport = vp
		case 6:
			o.Devtools = boolPtr(f)
		case 7:
			o.IgnoreHTTPSErrors = boolPtr(f)
		case 8:
			o.CDPURL = string(f.bytes)
		}
	}
	return o, nil
}

// LogLine: { string category = 1; string message = 2; optional string auxiliary = 3; }
func encodeLogLine(l LogLine) []byte {
	var b []byte
	b = appendString(b, 1, l.Category)
	b = appendString(b, 2, l.Message)
	b = appendString(b, 3, l.Auxiliary)
	return b
}

func decodeLogLine(b []byte) (LogLine, error) {
	fields, err := parseFields(b)
	if err != nil {
		return LogLine{}, err
	}
	var l LogLine
	for _, f := range fields {
		switch f.num {
		case 1:
			l.Category = string(f.bytes)
		case 2:
			l.Message = string(f.bytes)
		case 3:
			l.Auxiliary = string(f.bytes)
		}
	}
	return l, nil
}

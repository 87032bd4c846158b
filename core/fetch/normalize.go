package fetch

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// toString renders a row value the same way for digest input and for
// checksum-key normalization, so equal logical values always produce
// equal strings regardless of which numeric or string type the source
// driver handed back.
func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case decimal.Decimal:
		return x.String()
	case *decimal.Decimal:
		if x == nil {
			return ""
		}
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func formatUnixSeconds(t interface{ Unix() int64 }) string {
	return strconv.FormatInt(t.Unix(), 10)
}

package hubspot

import (
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/VetIntegrations/devourer/core/devourererrors"
)

func parseUnixSeconds(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Annotatef(devourererrors.ErrConfig, "hubspot cursor value %q is not an integer", v)
	}
	return n, nil
}

func formatUnixSeconds(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

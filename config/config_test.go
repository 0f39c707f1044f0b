package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestGetYaml(t *testing.T) {
	path := writeConfig(t, `
bot_id: btc-main
pair: BTC_USDT
initial_capital: "1500.50"
max_purchases: 10
drop_percent: "0.03"
rise_percent: "0.05"
poll_price_interval: 30s
db_path: /tmp/bot.db
`)

	cfg, err := getYaml(path)
	require.NoError(t, err)
	require.Equal(t, "btc-main", cfg.BotID)
	require.Equal(t, "BTC", cfg.Pair.From)
	require.Equal(t, "USDT", cfg.Pair.To)
	require.True(t, cfg.InitialCapital.Equal(decimal.RequireFromString("1500.50")))
	require.Equal(t, 10, cfg.MaxPurchases)
	require.True(t, cfg.DropPercent.Equal(decimal.RequireFromString("0.03")))
	require.Equal(t, 30*time.Second, cfg.PollPriceInterval)
	require.Equal(t, "/tmp/bot.db", cfg.DBPath)
}

func TestGetYaml_Defaults(t *testing.T) {
	path := writeConfig(t, `
pair: ETH_USDT
initial_capital: "1000"
max_purchases: 5
`)

	cfg, err := getYaml(path)
	require.NoError(t, err)
	require.Equal(t, "ETH_USDT", cfg.BotID, "bot id defaults to the pair")
	require.True(t, cfg.DropPercent.Equal(decimal.RequireFromString("0.02")))
	require.True(t, cfg.DriftThreshold.Equal(decimal.RequireFromString("0.005")))
	require.True(t, cfg.MinBuyUSDT.Equal(decimal.NewFromInt(10)))
	require.Equal(t, time.Minute, cfg.PollPriceInterval)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
}

func TestGetYaml_RejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"bad pair":         "pair: BTCUSDT\ninitial_capital: \"1000\"\nmax_purchases: 5\n",
		"zero capital":     "pair: BTC_USDT\ninitial_capital: \"0\"\nmax_purchases: 5\n",
		"no tranches":      "pair: BTC_USDT\ninitial_capital: \"1000\"\nmax_purchases: 0\n",
		"drop over 100pct": "pair: BTC_USDT\ninitial_capital: \"1000\"\nmax_purchases: 5\ndrop_percent: \"1.5\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := getYaml(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

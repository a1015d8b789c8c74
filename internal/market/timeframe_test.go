package market

import "testing"

func TestParseTimeframe(t *testing.T) {
	for _, raw := range []string{"1m", "5m", "15m"} {
		tf, err := ParseTimeframe(raw)
		if err != nil {
			t.Fatalf("解析 %s 不应报错: %v", raw, err)
		}
		if string(tf) != raw {
			t.Fatalf("期望 %s, 实际 %s", raw, tf)
		}
	}

	if _, err := ParseTimeframe("2m"); err == nil {
		t.Fatal("不支持的时间框架应报错")
	}
	if _, err := ParseTimeframe(""); err == nil {
		t.Fatal("空时间框架应报错")
	}
}

func TestWindowMinutes(t *testing.T) {
	if got := Timeframe1m.WindowMinutes(); got != 1 {
		t.Fatalf("期望 1, 实际 %d", got)
	}
	if got := Timeframe5m.WindowMinutes(); got != 5 {
		t.Fatalf("期望 5, 实际 %d", got)
	}
	if got := Timeframe15m.WindowMinutes(); got != 15 {
		t.Fatalf("期望 15, 实际 %d", got)
	}
}

func TestBucketCloseTS(t *testing.T) {
	cases := []struct {
		closeTS int64
		window  int
		want    int64
	}{
		{300, 5, 300},  // 恰好落在边界上的收盘归属当前桶
		{301, 5, 600},  // 边界后一秒进入下一个桶
		{60, 5, 300},   // 桶内第一根 1m K 线
		{299, 5, 300},
		{900, 15, 900},
		{901, 15, 1800},
		{1, 1, 60},
		{60, 1, 60},
	}

	for _, tc := range cases {
		if got := BucketCloseTS(tc.closeTS, tc.window); got != tc.want {
			t.Fatalf("BucketCloseTS(%d, %d) 期望 %d, 实际 %d", tc.closeTS, tc.window, tc.want, got)
		}
	}
}

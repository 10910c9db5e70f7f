package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
)

func defenseTestConfig() config.DefenseConfig {
	return config.DefenseConfig{
		Enabled:                 true,
		PollIntervalMs:          1000,
		ForceDecisionCooldownMs: 60000,
	}
}

func newTestDefenseMonitor() (*DefenseMonitor, *fakePriceSource, *fakeClock) {
	src := &fakePriceSource{price: 100}
	clock := newFakeClock()
	m := NewDefenseMonitor(defenseTestConfig(), src)
	m.nowFn = clock.Now
	return m, src, clock
}

func TestDefenseBreachDetection(t *testing.T) {
	tests := []struct {
		name      string
		side      models.PositionSide
		entry     float64
		structure float64
		price     float64
		wantEvent bool
		wantLevel float64
	}{
		{"лонг выше уровней", models.SideLong, 100, 95, 101, false, 0},
		{"лонг касание входа", models.SideLong, 100, 95, 100, true, 100},
		{"лонг пробой входа", models.SideLong, 100, 95, 99, true, 100},
		{"лонг ниже обоих уровней", models.SideLong, 100, 95, 94, true, 100},
		{"лонг только структура", models.SideLong, 0, 95, 94, true, 95},
		{"лонг структура не пробита", models.SideLong, 0, 95, 96, false, 0},
		{"шорт ниже уровней", models.SideShort, 100, 105, 99, false, 0},
		{"шорт касание входа", models.SideShort, 100, 105, 100, true, 100},
		{"шорт выше обоих уровней", models.SideShort, 100, 105, 106, true, 100},
		{"шорт только структура", models.SideShort, 0, 105, 106, true, 105},
		{"уровни не заданы", models.SideLong, 0, 0, 50, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, src, _ := newTestDefenseMonitor()
			m.SetLevels(models.DefenseLevels{
				Symbol:                "BTC-USDT-SWAP",
				Side:                  tt.side,
				EntryInvalidation:     tt.entry,
				StructureInvalidation: tt.structure,
			})
			src.set(tt.price, nil)

			m.tick(context.Background())

			if !tt.wantEvent {
				assertNoEvent(t, m.Events())
				return
			}
			ev := receiveEvent(t, m.Events())
			if !floatEquals(ev.ThresholdValue, tt.wantLevel) {
				t.Errorf("ThresholdValue = %f, want %f", ev.ThresholdValue, tt.wantLevel)
			}
			if !floatEquals(ev.MeasuredValue, tt.price) {
				t.Errorf("MeasuredValue = %f, want %f", ev.MeasuredValue, tt.price)
			}
		})
	}
}

func TestDefenseEventFields(t *testing.T) {
	m, src, clock := newTestDefenseMonitor()
	m.SetLevels(models.DefenseLevels{
		Symbol:            "BTC-USDT-SWAP",
		Side:              models.SideLong,
		EntryInvalidation: 100,
	})
	src.set(99, nil)

	m.tick(context.Background())

	ev := receiveEvent(t, m.Events())
	if ev.Kind != models.EventDefenseBreach {
		t.Errorf("Kind = %s", ev.Kind)
	}
	if ev.SubjectID != "BTC-USDT-SWAP:long" {
		t.Errorf("SubjectID = %s", ev.SubjectID)
	}
	if ev.Direction != models.DirectionDown {
		t.Errorf("Direction = %s", ev.Direction)
	}
	if ev.ID == "" {
		t.Error("пустой ID события")
	}
	if !ev.TriggeredAt.Equal(clock.Now()) {
		t.Errorf("TriggeredAt = %v", ev.TriggeredAt)
	}

	latest, ok := m.LatestEvent()
	if !ok || latest.ID != ev.ID {
		t.Error("LatestEvent не совпадает с испущенным событием")
	}
}

func TestDefenseShortDirectionUp(t *testing.T) {
	m, src, _ := newTestDefenseMonitor()
	m.SetLevels(models.DefenseLevels{
		Symbol:            "ETH-USDT-SWAP",
		Side:              models.SideShort,
		EntryInvalidation: 100,
	})
	src.set(102, nil)

	m.tick(context.Background())

	ev := receiveEvent(t, m.Events())
	if ev.Direction != models.DirectionUp {
		t.Errorf("Direction = %s", ev.Direction)
	}
	if ev.SubjectID != "ETH-USDT-SWAP:short" {
		t.Errorf("SubjectID = %s", ev.SubjectID)
	}
}

func TestDefenseCooldownAndRetrigger(t *testing.T) {
	m, src, clock := newTestDefenseMonitor()
	ctx := context.Background()
	m.SetLevels(models.DefenseLevels{
		Symbol:            "BTC-USDT-SWAP",
		Side:              models.SideLong,
		EntryInvalidation: 100,
	})
	src.set(99, nil)

	m.tick(ctx)
	first := receiveEvent(t, m.Events())

	// уровень все еще пробит, охлаждение не истекло
	clock.advance(20 * time.Second)
	m.tick(ctx)
	assertNoEvent(t, m.Events())

	// пробой не снимает уровни, после охлаждения событие повторяется
	clock.advance(41 * time.Second)
	m.tick(ctx)
	second := receiveEvent(t, m.Events())

	if first.ID == second.ID {
		t.Error("повторное событие обязано иметь новый ID")
	}
	if len(m.Levels()) != 1 {
		t.Errorf("после пробоя зарегистрировано %d уровней, ожидался один", len(m.Levels()))
	}
}

func TestDefenseClearLevels(t *testing.T) {
	m, src, _ := newTestDefenseMonitor()
	ctx := context.Background()
	lv := models.DefenseLevels{
		Symbol:            "BTC-USDT-SWAP",
		Side:              models.SideLong,
		EntryInvalidation: 100,
	}
	m.SetLevels(lv)
	src.set(99, nil)

	m.tick(ctx)
	receiveEvent(t, m.Events())

	m.ClearLevels("BTC-USDT-SWAP", models.SideLong)

	m.tick(ctx)
	assertNoEvent(t, m.Events())
	if len(m.Levels()) != 0 {
		t.Errorf("после снятия зарегистрировано %d уровней", len(m.Levels()))
	}

	// снятие сбрасывает и охлаждение: новая регистрация срабатывает сразу
	m.SetLevels(lv)
	m.tick(ctx)
	receiveEvent(t, m.Events())
}

func TestDefenseIndependentPositions(t *testing.T) {
	m, src, _ := newTestDefenseMonitor()
	m.SetLevels(models.DefenseLevels{
		Symbol:            "BTC-USDT-SWAP",
		Side:              models.SideLong,
		EntryInvalidation: 100,
	})
	m.SetLevels(models.DefenseLevels{
		Symbol:            "BTC-USDT-SWAP",
		Side:              models.SideShort,
		EntryInvalidation: 98,
	})
	src.set(99, nil)

	m.tick(context.Background())

	// цена символа запрашивается один раз за такт
	if got := src.callCount(); got != 1 {
		t.Errorf("за такт сделано %d запросов цены, ожидался один", got)
	}

	subjects := map[string]bool{}
	subjects[receiveEvent(t, m.Events()).SubjectID] = true
	subjects[receiveEvent(t, m.Events()).SubjectID] = true
	if !subjects["BTC-USDT-SWAP:long"] || !subjects["BTC-USDT-SWAP:short"] {
		t.Errorf("события не покрывают обе позиции: %v", subjects)
	}
}

func TestDefenseFetchFailure(t *testing.T) {
	m, src, _ := newTestDefenseMonitor()
	ctx := context.Background()
	m.SetLevels(models.DefenseLevels{
		Symbol:            "BTC-USDT-SWAP",
		Side:              models.SideLong,
		EntryInvalidation: 100,
	})

	src.set(0, errors.New("поток недоступен"))
	m.tick(ctx)
	assertNoEvent(t, m.Events())

	src.set(99, nil)
	m.tick(ctx)
	receiveEvent(t, m.Events())
}

func TestDefenseSetLevelsStampsUpdatedAt(t *testing.T) {
	m, _, clock := newTestDefenseMonitor()
	m.SetLevels(models.DefenseLevels{
		Symbol:            "BTC-USDT-SWAP",
		Side:              models.SideLong,
		EntryInvalidation: 100,
		UpdatedAt:         time.Unix(1, 0), // перезаписывается монитором
	})

	got := m.Levels()
	if len(got) != 1 {
		t.Fatalf("зарегистрировано %d уровней", len(got))
	}
	if !got[0].UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", got[0].UpdatedAt, clock.Now())
	}
}

func TestDefenseStartStop(t *testing.T) {
	cfg := defenseTestConfig()
	cfg.PollIntervalMs = 10
	src := &fakePriceSource{price: 200}
	m := NewDefenseMonitor(cfg, src)
	m.SetLevels(models.DefenseLevels{
		Symbol:            "BTC-USDT-SWAP",
		Side:              models.SideLong,
		EntryInvalidation: 100,
	})

	m.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for src.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if src.callCount() == 0 {
		t.Fatal("цикл опроса не сделал ни одной выборки")
	}

	m.Stop()
}

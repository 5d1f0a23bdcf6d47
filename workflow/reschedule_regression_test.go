package workflow_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/models"
	"bitbucket.org/mobelwerk/logistics_backend/workflow"
	"github.com/shopspring/decimal"
)

// Regression: moving an item onto a date that already has a live delivery for
// the same order and address must merge into it, never create a second row.
// A twin item for the same order item sums quantities; a rescheduled twin is
// revived with the incoming quantity replacing the stale one.

func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "logistics_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	config.SetGeocoder(stubGeocoder{})

	return context.Background()
}

type stubGeocoder struct{}

func (stubGeocoder) Geocode(_ context.Context, placeId string) (*config.GeocodeResult, error) {
	return &config.GeocodeResult{
		Latitude:          52.52,
		Longitude:         13.405,
		NormalizedAddress: "Hauptstrasse 1, 10115 Berlin (" + placeId + ")",
		QualityScore:      1,
	}, nil
}

type fixture struct {
	order    *models.Order
	address  *models.Address
	delivery *models.Delivery
}

func seedDelivery(t *testing.T, ctx context.Context, date time.Time, productName string, quantity decimal.Decimal) fixture {
	t.Helper()

	client, err := models.CreateClient(ctx, &models.NewClient{Name: fmt.Sprintf("Client %d", time.Now().UnixNano())})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	address, err := models.CreateAddress(ctx, &models.NewAddress{
		ClientId: client.ID,
		Street:   "Hauptstrasse 1",
		City:     "Berlin",
		Zip:      "10115",
		PlaceId:  "place-hauptstrasse-1",
	})
	if err != nil {
		t.Fatalf("CreateAddress: %v", err)
	}
	if !address.HasCoordinates() {
		t.Fatal("address with a place id should be geocoded on create")
	}
	order, err := models.CreateOrder(ctx, &models.NewOrder{
		ClientId:    client.ID,
		OrderNumber: fmt.Sprintf("ORD-%d", time.Now().UnixNano()),
		OrderDate:   date.AddDate(0, 0, -14),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	delivery, err := models.CreateDelivery(ctx, &models.NewDelivery{
		OrderId:      order.ID,
		AddressId:    address.ID,
		DeliveryDate: date,
		Items: []models.NewDeliveryItemInput{
			{ProductName: productName, Quantity: quantity},
		},
	})
	if err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	return fixture{order: order, address: address, delivery: delivery}
}

func TestRescheduleItem_MergesIntoLiveTwin(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	date := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	targetDate := date.AddDate(0, 0, 7)

	fix := seedDelivery(t, ctx, date, "Sofa Modena", decimal.NewFromInt(2))

	// A live delivery for the same order/address already sits on the target
	// date, carrying 1 of the same product.
	target, err := models.CreateDelivery(ctx, &models.NewDelivery{
		OrderId:      fix.order.ID,
		AddressId:    fix.address.ID,
		DeliveryDate: targetDate,
		Items: []models.NewDeliveryItemInput{
			{ProductName: "Sofa Modena", Quantity: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("CreateDelivery target: %v", err)
	}

	sourceItem := fix.delivery.Items[0]
	result, err := workflow.RescheduleDeliveryItem(ctx, &workflow.RescheduleItemInput{
		DeliveryItemId: sourceItem.ID,
		NewDate:        &targetDate,
	})
	if err != nil {
		t.Fatalf("RescheduleDeliveryItem: %v", err)
	}
	if result.ID != target.ID {
		t.Fatalf("expected consolidation into delivery %d, got new delivery %d", target.ID, result.ID)
	}

	// One merged twin with summed quantity; no extra item rows.
	var twins []models.DeliveryItem
	if err := db.WithContext(ctx).
		Where("delivery_id = ? AND order_item_id = ?", target.ID, sourceItem.OrderItemId).
		Find(&twins).Error; err != nil {
		t.Fatalf("load twins: %v", err)
	}
	if len(twins) != 1 {
		t.Fatalf("expected exactly 1 twin row after merge, got %d", len(twins))
	}
	if !twins[0].QuantityDelivered.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected summed quantity 3, got %s", twins[0].QuantityDelivered)
	}

	// Source item is history, source delivery resolved to Rescheduled.
	var source models.DeliveryItem
	if err := db.WithContext(ctx).Where("id = ?", sourceItem.ID).First(&source).Error; err != nil {
		t.Fatalf("reload source item: %v", err)
	}
	if source.Status != models.DeliveryItemStatusRescheduled {
		t.Fatalf("source item should be Rescheduled, got %s", source.Status)
	}
	var sourceDelivery models.Delivery
	if err := db.WithContext(ctx).Where("id = ?", fix.delivery.ID).First(&sourceDelivery).Error; err != nil {
		t.Fatalf("reload source delivery: %v", err)
	}
	if sourceDelivery.Status != models.DeliveryStatusRescheduled {
		t.Fatalf("emptied source delivery should be Rescheduled, got %s", sourceDelivery.Status)
	}
}

func TestRescheduleItem_ReviveReplacesQuantity(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	date := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	middleDate := date.AddDate(0, 0, 7)

	fix := seedDelivery(t, ctx, date, "Tisch Eiche", decimal.NewFromInt(2))
	sourceItem := fix.delivery.Items[0]

	// Bounce the item forward and straight back: the middle delivery now holds
	// a Rescheduled twin for the same order item.
	middle, err := workflow.RescheduleDeliveryItem(ctx, &workflow.RescheduleItemInput{
		DeliveryItemId: sourceItem.ID,
		NewDate:        &middleDate,
	})
	if err != nil {
		t.Fatalf("first reschedule: %v", err)
	}
	var movedItem models.DeliveryItem
	if err := db.WithContext(ctx).
		Where("delivery_id = ? AND order_item_id = ?", middle.ID, sourceItem.OrderItemId).
		First(&movedItem).Error; err != nil {
		t.Fatalf("load moved item: %v", err)
	}
	if _, err := workflow.RescheduleDeliveryItem(ctx, &workflow.RescheduleItemInput{
		DeliveryItemId: movedItem.ID,
		NewDate:        &date,
	}); err != nil {
		t.Fatalf("reschedule back: %v", err)
	}

	// Third pass onto the middle date again: the Rescheduled twin revives
	// with the incoming quantity, it is not summed with its stale value.
	var backItem models.DeliveryItem
	if err := db.WithContext(ctx).
		Where("order_item_id = ? AND status = ?", sourceItem.OrderItemId, models.DeliveryItemStatusPending).
		First(&backItem).Error; err != nil {
		t.Fatalf("load revived source item: %v", err)
	}
	if _, err := workflow.RescheduleDeliveryItem(ctx, &workflow.RescheduleItemInput{
		DeliveryItemId: backItem.ID,
		NewDate:        &middleDate,
	}); err != nil {
		t.Fatalf("third reschedule: %v", err)
	}

	var twins []models.DeliveryItem
	if err := db.WithContext(ctx).
		Where("delivery_id = ? AND order_item_id = ? AND status <> ?",
			middle.ID, sourceItem.OrderItemId, models.DeliveryItemStatusRescheduled).
		Find(&twins).Error; err != nil {
		t.Fatalf("load twins: %v", err)
	}
	if len(twins) != 1 {
		t.Fatalf("expected the revived twin only, got %d rows", len(twins))
	}
	if !twins[0].QuantityDelivered.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("revive must replace quantity with 2, got %s", twins[0].QuantityDelivered)
	}
	if twins[0].ID != movedItem.ID {
		t.Fatalf("revive must reuse the existing row %d, created %d instead", movedItem.ID, twins[0].ID)
	}
}

func TestFailDelivery_CreatesApprovedRetryClone(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	t.Setenv("FAILED_RETRY_DAYS", "7")
	t.Setenv("FAILED_CLONE_CONSOLIDATE", "")
	db := config.GetDB()

	date := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	fix := seedDelivery(t, ctx, date, "Schrank Pax", decimal.NewFromInt(1))

	clone, err := workflow.FailDelivery(ctx, fix.delivery.ID, "nobody home")
	if err != nil {
		t.Fatalf("FailDelivery: %v", err)
	}
	if clone == nil {
		t.Fatal("expected a retry clone")
	}
	if clone.RescheduledFromId == nil || *clone.RescheduledFromId != fix.delivery.ID {
		t.Fatalf("clone must link back to the failed delivery, got %v", clone.RescheduledFromId)
	}
	if clone.Approved == nil || !*clone.Approved {
		t.Fatal("retry clone must be pre-approved")
	}
	wantDate := date.AddDate(0, 0, 7)
	if !clone.DeliveryDate.Equal(wantDate) {
		t.Fatalf("retry date: got %s, want %s", clone.DeliveryDate, wantDate)
	}
	if !strings.Contains(clone.Notes, "nobody home") {
		t.Fatalf("clone notes should carry the failure reason, got %q", clone.Notes)
	}

	var cloneItems []models.DeliveryItem
	if err := db.WithContext(ctx).Where("delivery_id = ?", clone.ID).Find(&cloneItems).Error; err != nil {
		t.Fatalf("load clone items: %v", err)
	}
	if len(cloneItems) != 1 || cloneItems[0].Status != models.DeliveryItemStatusPending {
		t.Fatalf("clone should carry the open item as Pending, got %+v", cloneItems)
	}

	var failed models.Delivery
	if err := db.WithContext(ctx).Where("id = ?", fix.delivery.ID).First(&failed).Error; err != nil {
		t.Fatalf("reload failed delivery: %v", err)
	}
	if failed.Status != models.DeliveryStatusFailed || failed.FailureReason != "nobody home" {
		t.Fatalf("source delivery should be Failed with reason, got %s %q", failed.Status, failed.FailureReason)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("logistics-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("logistics-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=logistics_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}

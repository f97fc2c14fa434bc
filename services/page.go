package services

import "gorm.io/gorm"

// Page bounds a listing. A zero Limit returns every row.
type Page struct {
	Limit  int
	Offset int
}

// findPage counts the rows matched by filter and loads one ordered page of
// them into out. db must be a fresh session, e.g. from WithContext.
func findPage(db *gorm.DB, model interface{}, filter func(*gorm.DB) *gorm.DB, order string, page Page, out interface{}) (int64, error) {
	var total int64
	if err := db.Model(model).Scopes(filter).Count(&total).Error; err != nil {
		return 0, err
	}
	q := db.Scopes(filter).Order(order)
	if page.Limit > 0 {
		q = q.Limit(page.Limit).Offset(page.Offset)
	}
	if err := q.Find(out).Error; err != nil {
		return 0, err
	}
	return total, nil
}

package storage

import "price-radar/internal/model"

// DefaultShops 返回首次启动时写入的商店，SHOP3 仅作占位且默认停用。
func DefaultShops() []model.Shop {
	return []model.Shop{
		{Code: "KONTAKT", Name: "Kontakt Home", BaseURL: "https://kontakt.az", Active: true},
		{Code: "IRSHAD", Name: "Irshad", BaseURL: "https://irshad.az", Active: true},
		{Code: "BAKU_ELECTRONICS", Name: "Baku Electronics", BaseURL: "https://www.bakuelectronics.az", Active: true},
		{Code: "SHOP3", Name: "Shop 3", BaseURL: "https://shop3.example.az", Active: false},
	}
}

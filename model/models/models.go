package models

import (
	_ "github.com/jmorganca/sdvae/model/models/sd"
)

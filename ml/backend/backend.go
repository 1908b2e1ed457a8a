package backend

import (
	_ "github.com/jmorganca/sdvae/ml/backend/cpu"
)

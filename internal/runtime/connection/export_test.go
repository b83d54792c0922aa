package connection

import "github.com/ThreeDotsLabs/watermill"

type watermillLogger = watermill.LoggerAdapter

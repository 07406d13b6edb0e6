package ledger

import (
	"context"
)

func (p *Processor) initNetwork(ctx context.Context, tx Tx, accounts []AccountRef, ix InitNetwork, receipt *Receipt) error {
	payer, configRef := accounts[0], accounts[1]

	if err := requireSigner(payer, "payer"); err != nil {
		return err
	}

	rec, err := tx.Get(ctx, configRef.Address)
	if err != nil {
		return err
	}
	existing := rec.HasData()
	if existing && rec.Owner != p.programID {
		return newError(CodeAlreadyInitialized, "config record %s is held by %s", configRef.Address, rec.Owner)
	}

	var cfg *NetworkConfig
	var storedBump *uint8
	if existing {
		if cfg, err = UnmarshalNetworkConfig(rec.Data); err != nil {
			return err
		}
		storedBump = &cfg.Bump
	} else {
		cfg = &NetworkConfig{}
	}

	bump, err := p.requireDerived(configRef.Address, ConfigSeeds(), storedBump, "config")
	if err != nil {
		return err
	}

	// counters survive re-initialization; only the authority and mint rotate
	cfg.Authority = ix.Authority
	cfg.RewardMint = ix.RewardMint
	cfg.Bump = bump

	if !existing {
		err := tx.Create(ctx, CreateRequest{
			Address: configRef.Address,
			Size:    NetworkConfigSize,
			Payer:   payer.Address,
			Balance: p.rent.MinimumBalance(NetworkConfigSize),
			Owner:   p.programID,
			Seeds:   withBump(ConfigSeeds(), bump),
		})
		if err != nil {
			return err
		}
		receipt.created(configRef.Address)
	} else {
		receipt.updated(configRef.Address)
	}

	if err := tx.Put(ctx, configRef.Address, cfg.Marshal()); err != nil {
		return err
	}
	receipt.Config = cfg
	return nil
}

func (p *Processor) registerNode(ctx context.Context, tx Tx, accounts []AccountRef, receipt *Receipt) error {
	authority, configRef, identity, nodeRef := accounts[0], accounts[1], accounts[2], accounts[3]

	if err := requireSigner(authority, "authority"); err != nil {
		return err
	}
	if err := requireSigner(identity, "node identity"); err != nil {
		return err
	}

	_, cfg, err := p.loadConfig(ctx, tx, configRef.Address)
	if err != nil {
		return err
	}
	if cfg.Authority != authority.Address {
		return newError(CodeUnauthorizedAuthority, "%s is not the network authority", authority.Address)
	}
	if _, err := p.requireDerived(configRef.Address, ConfigSeeds(), &cfg.Bump, "config"); err != nil {
		return err
	}

	nodeRec, err := tx.Get(ctx, nodeRef.Address)
	if err != nil {
		return err
	}
	if nodeRec.HasData() {
		return newError(CodeAlreadyInitialized, "node %s is already registered", identity.Address)
	}

	seeds := NodeSeeds(identity.Address)
	bump, err := p.requireDerived(nodeRef.Address, seeds, nil, "node")
	if err != nil {
		return err
	}

	node := &NodeAccount{
		NodeIdentity: identity.Address,
		Authority:    cfg.Authority,
		Bump:         bump,
	}

	err = tx.Create(ctx, CreateRequest{
		Address: nodeRef.Address,
		Size:    NodeAccountSize,
		Payer:   authority.Address,
		Balance: p.rent.MinimumBalance(NodeAccountSize),
		Owner:   p.programID,
		Seeds:   withBump(seeds, bump),
	})
	if err != nil {
		return err
	}
	if err := tx.Put(ctx, nodeRef.Address, node.Marshal()); err != nil {
		return err
	}

	receipt.created(nodeRef.Address)
	receipt.Config = cfg
	receipt.Node = node
	return nil
}

func (p *Processor) submitTask(ctx context.Context, tx Tx, accounts []AccountRef, ix SubmitTask, receipt *Receipt) error {
	identity, nodeRef, configRef, taskRef := accounts[0], accounts[1], accounts[2], accounts[3]

	if err := requireSigner(identity, "node identity"); err != nil {
		return err
	}
	if ix.RewardUnits == 0 {
		return newError(CodeMalformedPayload, "reward units must be greater than zero")
	}

	_, node, err := p.loadNode(ctx, tx, nodeRef.Address)
	if err != nil {
		return err
	}
	if node.NodeIdentity != identity.Address {
		return newError(CodeIdentityMismatch, "node record belongs to %s, signer is %s", node.NodeIdentity, identity.Address)
	}

	_, cfg, err := p.loadConfig(ctx, tx, configRef.Address)
	if err != nil {
		return err
	}
	if _, err := p.requireDerived(nodeRef.Address, NodeSeeds(identity.Address), &node.Bump, "node"); err != nil {
		return err
	}
	if _, err := p.requireDerived(configRef.Address, ConfigSeeds(), &cfg.Bump, "config"); err != nil {
		return err
	}

	taskRec, err := tx.Get(ctx, taskRef.Address)
	if err != nil {
		return err
	}
	if taskRec.HasData() {
		return newError(CodeAlreadyInitialized, "task %x was already submitted by %s", ix.TaskHash, identity.Address)
	}

	seeds := TaskSeeds(identity.Address, ix.TaskHash)
	bump, err := p.requireDerived(taskRef.Address, seeds, nil, "task")
	if err != nil {
		return err
	}

	// stage every next-state before touching the transaction
	task := &TaskRecord{
		NodeIdentity: identity.Address,
		TaskHash:     ix.TaskHash,
		RewardUnits:  ix.RewardUnits,
		SubmittedAt:  p.clock.Now(),
		Bump:         bump,
	}

	nextNode := *node
	if nextNode.CompletedTasks, err = checkedAdd(node.CompletedTasks, 1, "node completed tasks"); err != nil {
		return err
	}
	if nextNode.PendingRewardUnits, err = checkedAdd(node.PendingRewardUnits, ix.RewardUnits, "node pending reward units"); err != nil {
		return err
	}
	if nextNode.TotalRewardUnits, err = checkedAdd(node.TotalRewardUnits, ix.RewardUnits, "node total reward units"); err != nil {
		return err
	}

	nextCfg := *cfg
	if nextCfg.TotalTasks, err = checkedAdd(cfg.TotalTasks, 1, "network total tasks"); err != nil {
		return err
	}
	if nextCfg.TotalRewardUnits, err = checkedAdd(cfg.TotalRewardUnits, ix.RewardUnits, "network total reward units"); err != nil {
		return err
	}

	err = tx.Create(ctx, CreateRequest{
		Address: taskRef.Address,
		Size:    TaskRecordSize,
		Payer:   identity.Address,
		Balance: p.rent.MinimumBalance(TaskRecordSize),
		Owner:   p.programID,
		Seeds:   withBump(seeds, bump),
	})
	if err != nil {
		return err
	}
	if err := tx.Put(ctx, taskRef.Address, task.Marshal()); err != nil {
		return err
	}
	if err := tx.Put(ctx, nodeRef.Address, nextNode.Marshal()); err != nil {
		return err
	}
	if err := tx.Put(ctx, configRef.Address, nextCfg.Marshal()); err != nil {
		return err
	}

	receipt.created(taskRef.Address)
	receipt.updated(nodeRef.Address)
	receipt.updated(configRef.Address)
	receipt.Task = task
	receipt.Node = &nextNode
	receipt.Config = &nextCfg
	return nil
}

func (p *Processor) claimReward(ctx context.Context, tx Tx, accounts []AccountRef, ix ClaimReward, receipt *Receipt) error {
	authority, configRef, nodeRef := accounts[0], accounts[1], accounts[2]

	if err := requireSigner(authority, "authority"); err != nil {
		return err
	}

	_, cfg, err := p.loadConfig(ctx, tx, configRef.Address)
	if err != nil {
		return err
	}
	if cfg.Authority != authority.Address {
		return newError(CodeUnauthorizedAuthority, "%s is not the network authority", authority.Address)
	}

	_, node, err := p.loadNode(ctx, tx, nodeRef.Address)
	if err != nil {
		return err
	}
	if _, err := p.requireDerived(configRef.Address, ConfigSeeds(), &cfg.Bump, "config"); err != nil {
		return err
	}
	if _, err := p.requireDerived(nodeRef.Address, NodeSeeds(node.NodeIdentity), &node.Bump, "node"); err != nil {
		return err
	}

	if ix.Amount > node.PendingRewardUnits {
		return newError(CodeInsufficientBalance, "claim of %d exceeds pending %d", ix.Amount, node.PendingRewardUnits)
	}
	if ix.Amount == 0 {
		p.logger.Warn("zero-amount claim accepted as no-op", "node_identity", node.NodeIdentity.String())
	}

	next := *node
	if next.PendingRewardUnits, err = checkedSub(node.PendingRewardUnits, ix.Amount, "node pending reward units"); err != nil {
		return err
	}
	if err := tx.Put(ctx, nodeRef.Address, next.Marshal()); err != nil {
		return err
	}

	receipt.updated(nodeRef.Address)
	receipt.Config = cfg
	receipt.Node = &next
	return nil
}
